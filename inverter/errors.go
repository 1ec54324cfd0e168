package inverter

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBlock is returned when a read returns fewer registers than the block requires.
	ErrShortBlock = errors.New("short register block")

	// ErrZeroFrame is returned when the cumulative energy counters of a frame all read exactly zero, which the
	// inverters are known to return in place of a transport error.
	ErrZeroFrame = errors.New("all energy counters read zero")
)

// ReadError is a transport failure while reading a register block.
type ReadError struct {
	Block string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read block '%s': %v", e.Block, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// DecodeError is a read that succeeded but returned data that could not be used.
type DecodeError struct {
	Block string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Block == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode block '%s': %v", e.Block, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// WriteError is a transport failure while writing a register.
type WriteError struct {
	Address uint16
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write register %#x: %v", e.Address, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
