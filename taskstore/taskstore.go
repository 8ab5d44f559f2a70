/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package taskstore tracks background build tasks and their progress logs.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is a build task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrTaskNotFound indicates an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// Task is a tracked background task.
type Task struct {
	ID        string
	Status    Status
	Progress  []string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the external task-tracking surface used by the build
// supervisor.
type Store interface {
	CreateTask(ctx context.Context, metadata map[string]any) (string, error)
	UpdateTaskStatus(ctx context.Context, id string, status Status) error
	AddProgressUpdate(ctx context.Context, id string, text string) error
	GetTask(ctx context.Context, id string) (*Task, error)
}

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*Task
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// CreateTask registers a new pending task and returns its id.
func (s *MemoryStore) CreateTask(_ context.Context, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("task-%d", s.seq)
	now := time.Now()
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.tasks[id] = &Task{
		ID:        id,
		Status:    StatusPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// UpdateTaskStatus moves the task to the given status.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("updating task %q: %w", id, ErrTaskNotFound)
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// AddProgressUpdate appends a line to the task's progress log.
func (s *MemoryStore) AddProgressUpdate(_ context.Context, id string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("appending progress to task %q: %w", id, ErrTaskNotFound)
	}
	task.Progress = append(task.Progress, text)
	task.UpdatedAt = time.Now()
	return nil
}

// GetTask returns a copy of the task.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("getting task %q: %w", id, ErrTaskNotFound)
	}
	out := *task
	out.Progress = append([]string(nil), task.Progress...)
	out.Metadata = make(map[string]any, len(task.Metadata))
	for k, v := range task.Metadata {
		out.Metadata[k] = v
	}
	return &out, nil
}
