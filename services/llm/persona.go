// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

// DefaultPersonaTemplate seeds every new session. It is a Go template with a
// single "topic" variable.
const DefaultPersonaTemplate = `You are a chatbot in the following topic: {{.topic}}.
Please respond in character. We are having a conversation. And I only want you to respond when asked a question.`

// DefaultPersonaTopic fills the template when no topic is configured.
const DefaultPersonaTopic = "Cyberpunk"

// RenderPersona formats the persona template with topic. The result is the
// initial prompt submitted once to prime each new session.
func RenderPersona(template, topic string) (string, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultPersonaTemplate
	}
	if topic == "" {
		topic = DefaultPersonaTopic
	}
	prompt := prompts.NewPromptTemplate(template, []string{"topic"})
	rendered, err := prompt.Format(map[string]any{"topic": topic})
	if err != nil {
		return "", fmt.Errorf("render persona template: %w", err)
	}
	return strings.TrimSpace(rendered), nil
}
