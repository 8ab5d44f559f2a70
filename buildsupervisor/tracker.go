/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package buildsupervisor

import (
	"sync"
	"time"
)

// ProcessInfo describes one registered build process.
type ProcessInfo struct {
	TaskID         string
	ConversationID string
	StartedAt      time.Time
}

// Tracker counts running build processes against a concurrency ceiling.
// It owns its own mutex and is never held together with any other lock
// in this package.
type Tracker struct {
	mu    sync.Mutex
	limit int
	procs map[int]ProcessInfo
}

// NewTracker returns a Tracker admitting at most limit concurrent
// processes. A non-positive limit admits nothing.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		limit: limit,
		procs: make(map[int]ProcessInfo),
	}
}

// CanStartProcess reports whether another process fits under the ceiling.
func (t *Tracker) CanStartProcess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs) < t.limit
}

// RegisterProcess records a started process.
func (t *Tracker) RegisterProcess(pid int, info ProcessInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; ok {
		return
	}
	t.procs[pid] = info
	runningBuilds.Set(float64(len(t.procs)))
}

// UnregisterProcess removes a process. Safe to call for a pid that was
// never registered or was already removed.
func (t *Tracker) UnregisterProcess(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; !ok {
		return
	}
	delete(t.procs, pid)
	runningBuilds.Set(float64(len(t.procs)))
}

// Running returns the number of registered processes.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
