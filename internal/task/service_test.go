package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHooks struct {
	onCommit   []func()
	onRollback []func()
}

func (h *fakeHooks) OnCommit(fn func())   { h.onCommit = append(h.onCommit, fn) }
func (h *fakeHooks) OnRollback(fn func()) { h.onRollback = append(h.onRollback, fn) }

func (h *fakeHooks) commit() {
	for _, fn := range h.onCommit {
		fn()
	}
}

func (h *fakeHooks) rollback() {
	for _, fn := range h.onRollback {
		fn()
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceReservePublishesOnCommit(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue)
	ctx := context.Background()

	hooks := &fakeHooks{}
	record := newTestTask("")
	if err := service.Reserve(ctx, hooks, record); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if record.ID == "" {
		t.Fatalf("expected generated id")
	}
	if queue.Len() != 0 {
		t.Fatalf("task must not be published before commit")
	}
	stored, err := service.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("unexpected status %s", stored.Status)
	}

	hooks.commit()
	if queue.Len() != 1 {
		t.Fatalf("expected task to be published after commit")
	}
}

func TestServiceReserveRollbackDeletesRecord(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue)
	ctx := context.Background()

	hooks := &fakeHooks{}
	record := newTestTask("")
	if err := service.Reserve(ctx, hooks, record); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	hooks.rollback()

	if _, err := service.Get(ctx, record.ID); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected record to be removed, got %v", err)
	}
	if queue.Len() != 0 {
		t.Fatalf("rolled back task must not be published")
	}
}

func TestServiceReserveValidates(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1))
	ctx := context.Background()

	missingQueue := newTestTask("")
	missingQueue.Queue = ""
	if err := service.Reserve(ctx, &fakeHooks{}, missingQueue); !IsTaskError(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	badTrigger := newTestTask("")
	badTrigger.Trigger = Trigger{Kind: TriggerTimestamp}
	if err := service.Reserve(ctx, &fakeHooks{}, badTrigger); !IsTaskError(err, CodeTaskValidation) {
		t.Fatalf("expected trigger validation error, got %v", err)
	}
}

func TestServicePublishFailureMarksTaskFailed(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, WithPublishTimeout(time.Second))
	ctx := context.Background()

	hooks := &fakeHooks{}
	record := newTestTask("")
	if err := service.Reserve(ctx, hooks, record); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	hooks.commit()

	stored, err := service.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task after publish failure: %+v", stored)
	}

	stats, err := service.Stats(ctx, WithQueue("0xqueue"))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTriggerDue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if !Now().Due(now) {
		t.Fatalf("immediate trigger must be due")
	}
	future := At(now.Add(time.Minute))
	if future.Due(now) {
		t.Fatalf("future trigger must not be due")
	}
	if !future.Due(now.Add(time.Minute)) {
		t.Fatalf("trigger must be due at its timestamp")
	}
	if !future.DueAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected due time %v", future.DueAt())
	}
}
