package registers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfBounds is returned when a conversion would read past the end of the register array.
var ErrOutOfBounds = errors.New("register position out of bounds")

// ToUnsigned32 combines the two registers at `pos` and `pos+1` (big endian, high word first) into an unsigned 32 bit integer.
func ToUnsigned32(regs []uint16, pos int) (uint32, error) {
	if pos < 0 || pos+1 >= len(regs) {
		return 0, fmt.Errorf("uint32 at %d of %d registers: %w", pos, len(regs), ErrOutOfBounds)
	}
	return uint32(regs[pos])<<16 | uint32(regs[pos+1]), nil
}

// ToSigned32 combines the two registers at `pos` and `pos+1` into a two's complement signed 32 bit integer.
func ToSigned32(regs []uint16, pos int) (int32, error) {
	val, err := ToUnsigned32(regs, pos)
	if err != nil {
		return 0, err
	}
	return int32(val), nil
}

// ToSigned16 reinterprets a single register as a signed 16 bit integer.
func ToSigned16(reg uint16) int16 {
	return int16(reg)
}

// ToASCII decodes `length` registers starting at `start` as a packed two-characters-per-register string.
// The high byte comes first; zero bytes are padding and are skipped. The result is trimmed of surrounding whitespace.
func ToASCII(regs []uint16, start, length int) (string, error) {
	if start < 0 || length < 0 || start+length > len(regs) {
		return "", fmt.Errorf("string of %d registers at %d of %d registers: %w", length, start, len(regs), ErrOutOfBounds)
	}

	var sb strings.Builder
	for _, reg := range regs[start : start+length] {
		high := byte(reg >> 8)
		low := byte(reg & 0xFF)
		if high > 0 {
			sb.WriteByte(high)
		}
		if low > 0 {
			sb.WriteByte(low)
		}
	}

	return strings.TrimSpace(sb.String()), nil
}
