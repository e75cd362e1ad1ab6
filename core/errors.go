package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNameTaken          = errors.New("room name already taken")
	ErrInvalidCredentials = errors.New("invalid room name or passphrase")
	ErrNoActiveRoom       = errors.New("no active room")
	ErrRoomExpired        = errors.New("room has expired")
	ErrOversize           = errors.New("file exceeds the upload size limit")
	ErrNoFile             = errors.New("no file found")
	ErrStoreUnavailable   = errors.New("object store unavailable")
	ErrPartialFailure     = errors.New("object store partially failed")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
)

// PartialFailureError lists the keys a bulk delete could not remove.
type PartialFailureError struct {
	FailedKeys []string
	Cause      error
}

func (e *PartialFailureError) Error() string {
	msg := fmt.Sprintf("failed to delete %d object(s): %s", len(e.FailedKeys), strings.Join(e.FailedKeys, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}
