package store

import "errors"

// Sentinel errors returned by Store operations, matching the C1 contract in
// spec.md §4.1. Each carries enough information via its identity for the
// external surface to map it to a structured response (spec.md §7).
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrNotAssigned   = errors.New("not assigned")
	ErrQueueFull     = errors.New("queue full")
	ErrClosed        = errors.New("store closed")
)
