package spibus

import (
	"errors"
	"fmt"
)

// Status is a platform status code. Zero means success.
type Status int32

// StatusFail is reported by BusError.Code when the platform failure did not
// carry a numeric status.
const StatusFail Status = -1

func (s Status) Error() string {
	return fmt.Sprintf("spibus: platform status %d", int32(s))
}

// Err maps the 0 = success convention to an error.
func (s Status) Err() error {
	if s == 0 {
		return nil
	}
	return s
}

// BusError reports a failure of a bus or device primitive.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("spibus: %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Code returns the platform status behind the error.
func (e *BusError) Code() Status {
	var s Status
	if errors.As(e.Err, &s) {
		return s
	}
	return StatusFail
}

// LockError reports that the exclusive-acquire primitive failed.
type LockError struct {
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("spibus: acquire bus: %v", e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// GenericError reports misuse detectable by the caller.
type GenericError string

func (e GenericError) Error() string {
	return string(e)
}

const (
	ErrBusClosed       GenericError = "spibus: bus closed"
	ErrDuplicateDevice GenericError = "spibus: chip-select already registered"
	ErrGuardReleased   GenericError = "spibus: guard already released"
	ErrTooLarge        GenericError = "spibus: transfer exceeds max transfer size"
)

// busErr wraps a platform result. nil stays nil.
func busErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BusError{Op: op, Err: err}
}
