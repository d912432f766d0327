package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/llm"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/runtime"
)

var (
	payer    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	target   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type harness struct {
	ctx      context.Context
	rt       *runtime.Runtime
	oracle   *Oracle
	client   llm.Client
	requests []llm.Request
	received []string
	context  common.Address
}

func newHarness(t *testing.T, reply string) *harness {
	t.Helper()
	h := &harness{ctx: context.Background()}
	l := ledger.NewMemoryLedger()
	h.rt = runtime.New(l)
	h.client = llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		h.requests = append(h.requests, req)
		if reply == "" {
			return nil, errors.New("model offline")
		}
		return &llm.Response{Reply: reply}, nil
	})
	h.oracle = New(Config{Program: oracle.DefaultProgramID, Operator: operator, MaxResponseBytes: 512}, h.rt, h.client)
	program := oracle.NewProgram(oracle.Config{ID: oracle.DefaultProgramID, Operator: operator}, h.oracle)
	if err := h.rt.Register(oracle.DefaultProgramID, "oracle", program); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = h.rt.Register(target, "target", runtime.NewRouter().Handle("on_result", func(ctx context.Context, call *runtime.Call) error {
		var args oracle.CallbackArgs
		if err := call.Decode(&args); err != nil {
			return err
		}
		h.received = append(h.received, args.Response)
		return nil
	}))
	_ = l.Seed(h.ctx, map[common.Address]uint64{payer: 10})

	initIx, _ := oracle.InitializeInstruction(oracle.DefaultProgramID, payer)
	h.context = oracle.ContextAddress(oracle.DefaultProgramID, 0).Address
	ctxIx, _ := oracle.CreateContextInstruction(oracle.DefaultProgramID, payer, h.context, "be brief")
	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, initIx, ctxIx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return h
}

func (h *harness) interactIx() runtime.Instruction {
	return h.interactFrom(payer)
}

func (h *harness) interactFrom(from common.Address) runtime.Instruction {
	ix, _ := oracle.InteractInstruction(oracle.DefaultProgramID, from, h.context, oracle.InteractArgs{
		Text:             "what is 6*7?",
		CallbackProgram:  target,
		CallbackSelector: runtime.SelectorFor("on_result"),
	})
	return ix
}

func TestInteractionQueuedAfterCommitAndDelivered(t *testing.T) {
	h := newHarness(t, "42")
	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, h.interactIx()); err != nil {
		t.Fatalf("interact: %v", err)
	}
	if h.oracle.Pending() != 1 {
		t.Fatalf("expected one queued interaction, got %d", h.oracle.Pending())
	}
	if n := h.oracle.Drain(h.ctx); n != 1 {
		t.Fatalf("drained %d", n)
	}
	if len(h.received) != 1 || h.received[0] != "42" {
		t.Fatalf("unexpected callback payloads: %v", h.received)
	}
	if len(h.requests) != 1 || h.requests[0].Context != "be brief" || h.requests[0].MaxBytes != 512 {
		t.Fatalf("unexpected llm request: %+v", h.requests)
	}
}

func TestRolledBackInteractionIsNeverQueued(t *testing.T) {
	h := newHarness(t, "42")
	failing := runtime.Instruction{ProgramID: common.HexToAddress("0xdead"), Data: make([]byte, runtime.SelectorSize)}
	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, h.interactIx(), failing); err == nil {
		t.Fatalf("expected failure from unknown program")
	}
	if h.oracle.Pending() != 0 {
		t.Fatalf("rolled back interaction must not be queued")
	}
}

func TestModelFailureLeavesInteractionPending(t *testing.T) {
	h := newHarness(t, "")
	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, h.interactIx()); err != nil {
		t.Fatalf("interact: %v", err)
	}
	h.oracle.Drain(h.ctx)
	if len(h.received) != 0 {
		t.Fatalf("callback must not run when the model fails")
	}
	addr := oracle.InteractionAddress(oracle.DefaultProgramID, payer, h.context).Address
	in, _, err := oracle.Pending(h.ctx, h.rt.Ledger(), oracle.DefaultProgramID, addr)
	if err != nil || in.IsProcessed {
		t.Fatalf("interaction should stay pending: %+v err=%v", in, err)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, "42")
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.oracle.Run(ctx) }()

	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, h.interactIx()); err != nil {
		t.Fatalf("interact: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for h.oracle.Pending() > 0 {
		select {
		case <-deadline:
			t.Fatalf("worker did not pick up the interaction")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestResumeRequeuesInteractionsAfterRestart(t *testing.T) {
	h := newHarness(t, "42")
	if err := h.rt.Invoke(h.ctx, []common.Address{payer}, h.interactIx()); err != nil {
		t.Fatalf("interact: %v", err)
	}

	// 新进程的队列为空，交互只存在于账本中。
	restarted := New(Config{Program: oracle.DefaultProgramID, Operator: operator}, h.rt, h.client)
	if restarted.Pending() != 0 {
		t.Fatalf("fresh oracle should start empty")
	}
	n, err := restarted.Resume(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("resume queued %d, err=%v", n, err)
	}
	if _, err := restarted.Resume(h.ctx); err != nil || restarted.Pending() != 1 {
		t.Fatalf("second resume must not duplicate: pending=%d err=%v", restarted.Pending(), err)
	}
	if restarted.Drain(h.ctx) != 1 {
		t.Fatalf("expected one interaction to be processed")
	}
	if len(h.received) != 1 || h.received[0] != "42" {
		t.Fatalf("unexpected callback payloads: %v", h.received)
	}
	if n, err := restarted.Resume(h.ctx); err != nil || n != 0 {
		t.Fatalf("processed interaction requeued: %d err=%v", n, err)
	}
}

func TestResumePicksUpInteractionsDroppedByFullQueue(t *testing.T) {
	h := newHarness(t, "42")
	small := New(Config{Program: oracle.DefaultProgramID, Operator: operator, QueueSize: 1}, h.rt, h.client)
	second := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	if err := h.rt.Invoke(h.ctx, []common.Address{payer, second}, h.interactIx(), h.interactFrom(second)); err != nil {
		t.Fatalf("interact: %v", err)
	}

	if n, err := small.Resume(h.ctx); err != nil || n != 1 {
		t.Fatalf("first sweep queued %d, err=%v", n, err)
	}
	small.Drain(h.ctx)
	if n, err := small.Resume(h.ctx); err != nil || n != 1 {
		t.Fatalf("second sweep queued %d, err=%v", n, err)
	}
	small.Drain(h.ctx)
	if len(h.received) != 2 {
		t.Fatalf("both interactions should be answered, got %v", h.received)
	}
}
