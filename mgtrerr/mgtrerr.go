// Package mgtrerr declares the sentinel error kinds shared across the
// transactional substrate (spec.md §7), so every layer reports failures
// the caller can distinguish with errors.Is instead of parsing strings.
package mgtrerr

import "errors"

var (
	// ErrInvalidBlock: address or pointer does not lie in any segment.
	ErrInvalidBlock = errors.New("mgtr: invalid block")

	// ErrNoMemory: allocation cannot be satisfied and the segment cannot grow.
	ErrNoMemory = errors.New("mgtr: no memory")

	// ErrCorruption: segment seal missing, header signature wrong, or WAL
	// header malformed.
	ErrCorruption = errors.New("mgtr: corruption")

	// ErrConcurrentLock: bounded retries exhausted.
	ErrConcurrentLock = errors.New("mgtr: concurrent lock retries exhausted")

	// ErrInvalidState: commit/rollback called on an already-ended transaction.
	ErrInvalidState = errors.New("mgtr: invalid transaction state")

	// ErrDurability: WAL write or flush failed.
	ErrDurability = errors.New("mgtr: durability failure")

	// ErrMemoryNeedCompression: the free list has enough total bytes but no
	// single block large enough to satisfy the request.
	ErrMemoryNeedCompression = errors.New("mgtr: memory needs compression")
)
