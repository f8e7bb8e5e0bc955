// Package pagequeue implements the durable free-page queue used by the page
// manager to remember which pages of the backing file can be reused.
package pagequeue

import "errors"

var (
	// ErrCorrupt indicates the on-disk free list contradicts itself. The
	// database must be treated as non-writable once this surfaces.
	ErrCorrupt = errors.New("pagequeue: corrupt free list")
)
