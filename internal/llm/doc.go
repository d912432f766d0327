// Package llm abstracts the language model the devnet oracle computes with.
// Providers live in sub-packages; StaticClient serves tests and offline runs.
package llm
