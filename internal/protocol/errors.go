package protocol

import "errors"

var (
	// ErrFormat is returned for a type URL that does not match
	// `<prefix>/<namespace>.<TypeName>`.
	ErrFormat       = errors.New("protocol: malformed type url")
	ErrTypeMismatch = errors.New("protocol: type url mismatch")
	ErrDecode       = errors.New("protocol: decode failed")
	ErrNilMessage   = errors.New("protocol: nil message")
)
