package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownClient     = errors.New("unknown client")
	ErrNoSuchRoom        = errors.New("no such room")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidName       = errors.New("invalid name")
	ErrSignalingConflict = errors.New("signaling conflict")
	ErrMediaEngine       = errors.New("media engine failure")
)

// MediaEngineFailure wraps an error returned by the media engine for operation op.
func MediaEngineFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrMediaEngine, op, err)
}
