// Package scheduler models the task-scheduling collaborator as a program on
// the ledger.
//
// A queue update authority creates a task queue and grants queue authorities.
// An authority queues a compiled transaction under a u16 task id together with
// a trigger and a crank reward that the payer escrows into the task account.
// Once the trigger is reached, any crank may call run_task. The program then
// signs as the queue-authority derivation, replays the compiled instructions
// inside the same ledger transaction and pays the reward to the crank.
//
// Compile and Decompile translate between runtime instructions and the compact
// account-table form stored in task accounts. Crank adapts run_task to the
// task.Executor interface so the task processor can drive execution from the
// queue transport.
package scheduler
