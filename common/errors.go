package common

import "errors"

// Sentinel errors not tied to one package (storage/schema wraps ErrNotFound).
// Package-local error variables live next to the code that returns them.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyExist = errors.New("already exists")
)
