// Package identity derives deterministic sub-identities from a program ID and
// a list of seeds. Derived identities are addressing material only: nobody
// holds a private key for them, and a program "signs" for one by presenting
// the seeds to the ledger.
package identity
