// Package runtime executes instructions against the ledger. Programs are
// registered under a fixed identifier; an instruction names its target program,
// the accounts it touches and an 8-byte selector followed by JSON arguments.
// Every Invoke runs in one ledger transaction, including the cross-program
// calls made through Call.Invoke, so a chain of calls commits or rolls back as
// a whole.
package runtime
