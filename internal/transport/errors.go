package transport

import "errors"

var (
	ErrDuplicateHandler  = errors.New("transport: packet handler already registered")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyListening  = errors.New("transport: already listening")
	ErrArgument          = errors.New("transport: invalid argument")
	ErrPortRange         = errors.New("transport: port out of range")
	ErrAddressResolution = errors.New("transport: address resolution failed")
	ErrLinkProtocol      = errors.New("transport: unexpected link protocol")
)
