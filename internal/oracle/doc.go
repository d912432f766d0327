// Package oracle models the LLM oracle collaborator as a program on the
// ledger. The program owns context and interaction accounts, charges the
// interaction fee and, once a result is available, signs with its derived
// identity and calls back into the requesting program.
//
// Where the inference actually happens is pluggable through Backend: the local
// sub-package computes in-process, the remote sub-package registers committed
// contexts and interactions with an HTTP gateway and periodically re-registers
// anything that has not been answered yet.
package oracle
