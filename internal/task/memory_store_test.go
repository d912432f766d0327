package task

import (
	"context"
	"testing"
	"time"
)

func newTestTask(id string) *Task {
	return &Task{
		ID:          id,
		Queue:       "0xqueue",
		TaskID:      1,
		Address:     "0xtask-" + id,
		Description: "solana-gpt-oracle request",
		CrankReward: 1000001,
		FreeTasks:   1,
		Trigger:     Now(),
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTestTask("t1")); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning {
		t.Fatalf("expected running, got %s", claimed.Status)
	}
	if _, err := store.Claim(ctx, "t1"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict on second claim, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "t1", ExecutionResult{Crank: "0xcrank", Reward: 1000001, ExecutedAt: 42}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	stored, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Result == nil || stored.Result.Crank != "0xcrank" {
		t.Fatalf("unexpected result: %+v", stored.Result)
	}

	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreFailedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestTask("t1"))

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	task, err := store.Claim(ctx, "t1")
	if !IsTaskError(err, CodeTaskAborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
	if task.ErrorCode != string(CodeTaskProcessing) || task.LastError != "boom" {
		t.Fatalf("unexpected failure record: %+v", task)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.Create(ctx, newTestTask(id)); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "trigger not due"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{Crank: "0xcrank", Reward: 7}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	executed, err := store.List(ctx, BuildListOptions(WithExecuted(true)))
	if err != nil {
		t.Fatalf("list executed: %v", err)
	}
	if len(executed) != 1 || executed[0].ID != "t3" {
		t.Fatalf("unexpected executed list: %+v", executed)
	}

	matched, err := store.List(ctx, BuildListOptions(WithQuery("NOT DUE")))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t2" {
		t.Fatalf("unexpected query result: %+v", matched)
	}

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 1 || asc[0].ID != "t2" {
		t.Fatalf("unexpected paged result: %+v", asc)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.RewardsPaid != 7 {
		t.Fatalf("unexpected rewards: %d", stats.RewardsPaid)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest: %d", stats.OldestUpdatedAt)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestTask("t1"))
	if err := store.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "t1"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
