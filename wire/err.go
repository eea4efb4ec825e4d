package wire

import "errors"

var (
	ErrShortBuffer    = errors.New("malformed data: truncated input")
	ErrUnknownTag     = errors.New("malformed data: unknown tag")
	ErrLengthMismatch = errors.New("malformed data: length mismatch")
	ErrTooDeep        = errors.New("malformed data: nesting too deep")
	ErrVarintOverflow = errors.New("malformed data: varint overflow")
)
