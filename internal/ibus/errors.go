package ibus

import (
	"errors"
	"fmt"
)

// Errors surfaced to callers of engine creation and global engine
// operations.
var (
	ErrDescriptorNotFound   = errors.New("engine descriptor not found")
	ErrDescriptorInvalid    = errors.New("engine descriptor invalid")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrFactoryTimeout       = errors.New("factory did not appear before timeout")
	ErrOperationCancelled   = errors.New("operation cancelled")
	ErrRemoteCallFailed     = errors.New("remote call failed")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrGlobalEngineDisabled = errors.New("global engine mode disabled")
	ErrNoGlobalEngine       = errors.New("no global engine")
)

// ErrRemoteCreateFailed is returned when the factory rejects a create
// request. It wraps ErrRemoteCallFailed.
var ErrRemoteCreateFailed = fmt.Errorf("create engine: %w", ErrRemoteCallFailed)
