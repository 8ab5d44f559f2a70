/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package conversation coordinates concurrent mutations of shared
// conversation records held in a remote entity store.
//
// The store has no native locking primitive, so Locker layers a retrying
// compare-and-swap protocol over its version-checked Update: flip the
// advisory Locked flag with a conditional write, apply the mutation in
// memory, and clear the flag on the same write that persists it.
package conversation

import "time"

// Record is a conversation entity. The store owns the full record; this
// package owns only the protocol for mutating it safely.
type Record struct {
	ID string

	// Version is the store's optimistic-concurrency stamp. An Update
	// whose Version does not match the stored record fails with
	// ErrVersionConflict.
	Version int64

	// Locked is the advisory mutation lock. At most one writer may hold
	// it per record; enforcement is purely the read-modify-write
	// protocol in Locker.
	Locked   bool
	LockedAt time.Time

	RepositoryName   string
	RepositoryOwner  string
	RepositoryBranch string
	RepositoryURL    string

	WorkflowCache     map[string]any
	BackgroundTaskIDs []string
	Metadata          map[string]any
}

// Clone returns a deep copy. Store implementations hand out clones so
// callers can never alias stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.WorkflowCache != nil {
		out.WorkflowCache = make(map[string]any, len(r.WorkflowCache))
		for k, v := range r.WorkflowCache {
			out.WorkflowCache[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.BackgroundTaskIDs != nil {
		out.BackgroundTaskIDs = append([]string(nil), r.BackgroundTaskIDs...)
	}
	return &out
}

// AppendBackgroundTask adds a task id, keeping the ordered set free of
// duplicates.
func (r *Record) AppendBackgroundTask(taskID string) {
	for _, id := range r.BackgroundTaskIDs {
		if id == taskID {
			return
		}
	}
	r.BackgroundTaskIDs = append(r.BackgroundTaskIDs, taskID)
}

// SetWorkflowValue records a key in the workflow cache, allocating it on
// first use.
func (r *Record) SetWorkflowValue(key string, value any) {
	if r.WorkflowCache == nil {
		r.WorkflowCache = make(map[string]any)
	}
	r.WorkflowCache[key] = value
}
