// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile runs the background sweep that brings stale durable chat
// logs back in line with their in-memory sessions.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Reconciler re-syncs stale sessions and reports how many were synced.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(ctx context.Context) (int, error)

// Reconcile calls f.
func (f ReconcilerFunc) Reconcile(ctx context.Context) (int, error) { return f(ctx) }

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("reconcile scheduler is already running")

// Scheduler calls a Reconciler at a fixed interval.
//
// # Description
//
// Uses the ticker + done channel pattern. The first sweep runs one interval
// after Start, since nothing can be stale at startup.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	target   Reconciler
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(target Reconciler, interval time.Duration) *Scheduler {
	return &Scheduler{target: target, interval: interval}
}

// Start launches the sweep goroutine. A non-positive interval disables the
// scheduler and Start returns nil without starting anything.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if Start was called without a Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		slog.Info("Chat log reconcile disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Chat log reconcile scheduler starting", "interval", s.interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for an in-progress sweep. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("Chat log reconcile scheduler stopped")
}

// RunNow performs one sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	return s.target.Reconcile(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.target.Reconcile(ctx)
	if err != nil {
		slog.Error("Chat log reconcile cycle failed", "synced", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Chat log reconcile cycle complete", "synced", n)
	}
}
