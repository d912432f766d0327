package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/task"
)

var (
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	updater   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	authority = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	crankKey  = common.HexToAddress("0x00000000000000000000000000000000000000c4")
	target    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	sink      = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

const minReward = 1_000

type fixture struct {
	ctx     context.Context
	ledger  *ledger.MemoryLedger
	rt      *runtime.Runtime
	program *Program
	store   *task.MemoryStore
	queue   *task.MemoryQueue
	service *task.Service
	queueID common.Address
	pings   []bool
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), ledger: ledger.NewMemoryLedger(), store: task.NewMemoryStore(), queue: task.NewMemoryQueue(8)}
	f.service = task.NewService(f.store, f.queue)
	f.rt = runtime.New(f.ledger)
	f.program = NewProgram(DefaultProgramID, f.service, opts...)
	if err := f.rt.Register(DefaultProgramID, "scheduler", f.program); err != nil {
		t.Fatalf("register scheduler: %v", err)
	}
	ping := runtime.NewRouter().Handle("ping", func(ctx context.Context, call *runtime.Call) error {
		f.pings = append(f.pings, call.Tx.IsSigner(call.Accounts[0].Pubkey))
		return nil
	})
	if err := f.rt.Register(target, "target", ping); err != nil {
		t.Fatalf("register target: %v", err)
	}
	if err := f.ledger.Seed(f.ctx, map[common.Address]uint64{payer: 100_000}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	initIx, err := InitializeTaskQueueInstruction(DefaultProgramID, payer, updater, InitializeTaskQueueArgs{Name: "relay", MinCrankReward: minReward, Capacity: 8})
	if err != nil {
		t.Fatalf("build initialize: %v", err)
	}
	if err := f.rt.Invoke(f.ctx, []common.Address{payer, updater}, initIx); err != nil {
		t.Fatalf("initialize queue: %v", err)
	}
	f.queueID = TaskQueueAddress(DefaultProgramID, "relay").Address

	addIx, err := AddQueueAuthorityInstruction(DefaultProgramID, payer, updater, f.queueID, authority)
	if err != nil {
		t.Fatalf("build add authority: %v", err)
	}
	if err := f.rt.Invoke(f.ctx, []common.Address{payer, updater}, addIx); err != nil {
		t.Fatalf("add queue authority: %v", err)
	}
	return f
}

func (f *fixture) pingTransaction(t *testing.T) CompiledTransaction {
	t.Helper()
	tqa := TaskQueueAuthorityAddress(DefaultProgramID, f.queueID, authority).Address
	ix, err := runtime.NewInstruction(target, "ping", nil, runtime.ReadOnlySigner(tqa), runtime.Writable(sink))
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	compiled, err := Compile([]runtime.Instruction{ix}, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return *compiled
}

func (f *fixture) queueTask(t *testing.T, id uint16, trigger task.Trigger) error {
	t.Helper()
	ix, err := QueueTaskInstruction(DefaultProgramID, payer, authority, f.queueID, QueueTaskArgs{
		ID:          id,
		Trigger:     trigger,
		Transaction: f.pingTransaction(t),
		FreeTasks:   1,
		Description: "ping",
	})
	if err != nil {
		t.Fatalf("build queue_task: %v", err)
	}
	return f.rt.Invoke(f.ctx, []common.Address{payer, authority}, ix)
}

func (f *fixture) loadTask(t *testing.T, id uint16) TaskAccount {
	t.Helper()
	var account TaskAccount
	err := f.ledger.View(f.ctx, func(tx ledger.Tx) error {
		var err error
		account, err = LoadTask(f.ctx, tx, DefaultProgramID, TaskAddress(DefaultProgramID, f.queueID, id).Address)
		return err
	})
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	return account
}

func TestQueueTaskReservesAndEscrowsReward(t *testing.T) {
	f := newFixture(t)
	if err := f.queueTask(t, 1, task.Now()); err != nil {
		t.Fatalf("queue task: %v", err)
	}

	account := f.loadTask(t, 1)
	if account.CrankReward != minReward || account.Executed || account.RecordID == "" {
		t.Fatalf("unexpected task account: %+v", account)
	}
	taskAddr := TaskAddress(DefaultProgramID, f.queueID, 1).Address
	escrow, _ := f.ledger.Snapshot(taskAddr)
	if escrow.Balance != minReward {
		t.Fatalf("escrowed reward = %d", escrow.Balance)
	}
	p, _ := f.ledger.Snapshot(payer)
	if p.Balance != 100_000-minReward {
		t.Fatalf("payer balance = %d", p.Balance)
	}

	record, err := f.service.Get(f.ctx, account.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Address != taskAddr.Hex() || record.Status != task.StatusPending {
		t.Fatalf("unexpected record: %+v", record)
	}
	if f.queue.Len() != 1 {
		t.Fatalf("expected record to be published after commit")
	}

	if err := f.queueTask(t, 1, task.Now()); !xerrors.HasCode(err, CodeTaskExists) {
		t.Fatalf("expected task exists, got %v", err)
	}
	stats, _ := f.service.Stats(f.ctx)
	if stats.Total != 1 {
		t.Fatalf("rolled back reservation must be removed, stats: %+v", stats)
	}
}

func TestQueueTaskRejectsUnregisteredAuthority(t *testing.T) {
	f := newFixture(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000b9")
	ix, err := QueueTaskInstruction(DefaultProgramID, payer, stranger, f.queueID, QueueTaskArgs{
		ID:          2,
		Trigger:     task.Now(),
		Transaction: f.pingTransaction(t),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	err = f.rt.Invoke(f.ctx, []common.Address{payer, stranger}, ix)
	if !xerrors.HasCode(err, CodeQueueAuthorityMissing) {
		t.Fatalf("expected missing queue authority, got %v", err)
	}
}

func TestQueueTaskValidatesArguments(t *testing.T) {
	f := newFixture(t)
	low := uint64(minReward - 1)
	cases := []struct {
		name string
		args QueueTaskArgs
		code xerrors.Code
	}{
		{name: "description", args: QueueTaskArgs{ID: 1, Trigger: task.Now(), Description: "0123456789012345678901234567890123456789x"}, code: CodeDescriptionTooLong},
		{name: "capacity", args: QueueTaskArgs{ID: 8, Trigger: task.Now()}, code: CodeTaskIDOutOfRange},
		{name: "reward", args: QueueTaskArgs{ID: 1, Trigger: task.Now(), CrankReward: &low}, code: CodeCrankRewardTooLow},
		{name: "trigger", args: QueueTaskArgs{ID: 1, Trigger: task.Trigger{Kind: "cron"}}, code: task.CodeTaskValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.args.Transaction = f.pingTransaction(t)
			ix, err := QueueTaskInstruction(DefaultProgramID, payer, authority, f.queueID, tc.args)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if err := f.rt.Invoke(f.ctx, []common.Address{payer, authority}, ix); !xerrors.HasCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestCrankRunsTaskThroughProcessor(t *testing.T) {
	f := newFixture(t)
	if err := f.queueTask(t, 1, task.Now()); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	recordID := f.loadTask(t, 1).RecordID

	processor := task.NewProcessor(NewCrank(DefaultProgramID, crankKey, f.rt), f.store, nil)
	if err := processor.Handle(f.ctx, recordID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(f.pings) != 1 || !f.pings[0] {
		t.Fatalf("target must run once signed by the queue authority: %v", f.pings)
	}
	account := f.loadTask(t, 1)
	if !account.Executed || account.Crank != crankKey {
		t.Fatalf("unexpected task account: %+v", account)
	}
	c, _ := f.ledger.Snapshot(crankKey)
	if c.Balance != minReward {
		t.Fatalf("crank reward = %d", c.Balance)
	}
	record, _ := f.service.Get(f.ctx, recordID)
	if record.Status != task.StatusSucceeded || record.Result == nil || record.Result.Reward != minReward {
		t.Fatalf("unexpected record: %+v", record)
	}

	// 已执行的任务不能再次执行，但可以以同一 ID 重新排队。
	ix, err := RunTaskInstruction(DefaultProgramID, crankKey, TaskAddress(DefaultProgramID, f.queueID, 1).Address, account)
	if err != nil {
		t.Fatalf("build run_task: %v", err)
	}
	if err := f.rt.Invoke(f.ctx, []common.Address{crankKey}, ix); !xerrors.HasCode(err, CodeTaskAlreadyExecuted) {
		t.Fatalf("expected already executed, got %v", err)
	}
	if err := f.queueTask(t, 1, task.Now()); err != nil {
		t.Fatalf("requeue executed task: %v", err)
	}
	if next := f.loadTask(t, 1); next.Executed || next.RecordID == recordID {
		t.Fatalf("requeued task not reset: %+v", next)
	}
}

func TestRunTaskWaitsForTrigger(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	if err := f.queueTask(t, 3, task.At(now.Add(time.Hour))); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	account := f.loadTask(t, 3)
	ix, err := RunTaskInstruction(DefaultProgramID, crankKey, TaskAddress(DefaultProgramID, f.queueID, 3).Address, account)
	if err != nil {
		t.Fatalf("build run_task: %v", err)
	}
	if err := f.rt.Invoke(f.ctx, []common.Address{crankKey}, ix); !xerrors.HasCode(err, CodeTaskNotDue) {
		t.Fatalf("expected not due, got %v", err)
	}
	if len(f.pings) != 0 {
		t.Fatalf("target must not run before the trigger")
	}

	now = now.Add(time.Hour)
	if err := f.rt.Invoke(f.ctx, []common.Address{crankKey}, ix); err != nil {
		t.Fatalf("run after trigger: %v", err)
	}
	if len(f.pings) != 1 {
		t.Fatalf("expected a single ping, got %d", len(f.pings))
	}
}

func TestRunTaskRejectsSubstitutedAccounts(t *testing.T) {
	f := newFixture(t)
	if err := f.queueTask(t, 1, task.Now()); err != nil {
		t.Fatalf("queue task: %v", err)
	}
	account := f.loadTask(t, 1)
	ix, err := RunTaskInstruction(DefaultProgramID, crankKey, TaskAddress(DefaultProgramID, f.queueID, 1).Address, account)
	if err != nil {
		t.Fatalf("build run_task: %v", err)
	}
	ix.Accounts[len(ix.Accounts)-1].Pubkey = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	if err := f.rt.Invoke(f.ctx, []common.Address{crankKey}, ix); !xerrors.HasCode(err, CodeInvalidTaskAccount) {
		t.Fatalf("expected invalid task account, got %v", err)
	}
}
