/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1", RepositoryName: "widgets"})

	a, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	b, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	a.RepositoryBranch = "from-a"
	if _, err := store.Update(ctx, a); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	b.RepositoryBranch = "from-b"
	if _, err := store.Update(ctx, b); err == nil {
		t.Fatalf("expected version conflict for stale writer")
	}

	final, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.RepositoryBranch != "from-a" {
		t.Fatalf("stale writer overwrote record: branch = %q", final.RepositoryBranch)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1", WorkflowCache: map[string]any{"k": "v"}})

	rec, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	rec.WorkflowCache["k"] = "mutated"
	rec.BackgroundTaskIDs = append(rec.BackgroundTaskIDs, "t1")

	again, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if again.WorkflowCache["k"] != "v" || len(again.BackgroundTaskIDs) != 0 {
		t.Fatalf("caller mutation leaked into store: %+v", again)
	}
}

func TestUpdateWithLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1"})

	locker := NewLocker(store, WithBackoff(time.Millisecond))

	ok := locker.UpdateWithLock(ctx, "c1", func(rec *Record) {
		rec.AppendBackgroundTask("task-1")
		rec.SetWorkflowValue("language", "go")
	})
	if !ok {
		t.Fatalf("UpdateWithLock returned false")
	}

	rec, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Locked {
		t.Fatalf("lock not released")
	}
	if diff := cmp.Diff([]string{"task-1"}, rec.BackgroundTaskIDs); diff != "" {
		t.Fatalf("task ids mismatch (-want +got):\n%s", diff)
	}
	if rec.WorkflowCache["language"] != "go" {
		t.Fatalf("workflow cache not applied: %+v", rec.WorkflowCache)
	}
}

func TestUpdateWithLockMissingRecord(t *testing.T) {
	locker := NewLocker(NewMemoryStore(), WithBackoff(time.Millisecond))

	start := time.Now()
	if locker.UpdateWithLock(context.Background(), "ghost", func(*Record) {}) {
		t.Fatalf("expected false for missing record")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("missing record should fail fast, took %v", elapsed)
	}
}

func TestUpdateWithLockContention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1"})

	locker := NewLocker(store, WithBackoff(time.Millisecond), WithMaxAttempts(50))

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskID := string(rune('a' + i))
			results[i] = locker.UpdateWithLock(ctx, "c1", func(rec *Record) {
				rec.AppendBackgroundTask(taskID)
			})
		}()
	}
	wg.Wait()

	rec, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Locked {
		t.Fatalf("lock left held after all writers finished")
	}

	seen := make(map[string]bool)
	for _, id := range rec.BackgroundTaskIDs {
		if seen[id] {
			t.Fatalf("duplicate task id %q in %v", id, rec.BackgroundTaskIDs)
		}
		seen[id] = true
	}
	for i, ok := range results {
		if ok && !seen[string(rune('a'+i))] {
			t.Fatalf("writer %d reported success but its task id is missing: %v", i, rec.BackgroundTaskIDs)
		}
	}
}

func TestUpdateWithLockWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1"})

	// Simulate another process holding the lock, then releasing it.
	held, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	held.Locked = true
	held.LockedAt = time.Now()
	locked, err := store.Update(ctx, held)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	release := make(chan struct{})
	go func() {
		<-release
		locked.Locked = false
		locked.LockedAt = time.Time{}
		if _, err := store.Update(ctx, locked); err != nil {
			t.Errorf("releasing lock: %v", err)
		}
	}()

	locker := NewLocker(store, WithBackoff(5*time.Millisecond), WithMaxAttempts(100))
	close(release)

	if !locker.UpdateWithLock(ctx, "c1", func(rec *Record) {
		rec.AppendBackgroundTask("after-wait")
	}) {
		t.Fatalf("expected eventual acquisition after release")
	}
}

func TestUpdateWithLockStealsStaleLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(&Record{ID: "c1", Locked: true, LockedAt: time.Now().Add(-time.Hour)})

	locker := NewLocker(store, WithBackoff(time.Millisecond), WithStaleAfter(5*time.Minute))

	if !locker.UpdateWithLock(ctx, "c1", func(rec *Record) {
		rec.AppendBackgroundTask("stolen")
	}) {
		t.Fatalf("expected stale lock to be stolen")
	}

	rec, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Locked {
		t.Fatalf("lock left held after steal")
	}
}

func TestUpdateWithLockExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	// Locked forever with stealing disabled.
	store.Put(&Record{ID: "c1", Locked: true, LockedAt: time.Now()})

	locker := NewLocker(store, WithBackoff(time.Millisecond), WithMaxAttempts(3), WithStaleAfter(0))

	if locker.UpdateWithLock(ctx, "c1", func(rec *Record) {
		rec.AppendBackgroundTask("never")
	}) {
		t.Fatalf("expected exhaustion against a held lock")
	}

	rec, err := store.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(rec.BackgroundTaskIDs) != 0 {
		t.Fatalf("mutation applied without the lock: %v", rec.BackgroundTaskIDs)
	}
}
