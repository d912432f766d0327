// Package ledger abstracts the host ledger the relay runs against: accounts
// addressed by identity, native value transfers, signer verification and
// atomic all-or-nothing transactions with commit and rollback hooks.
package ledger
