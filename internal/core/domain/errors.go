package domain

import "errors"

var (
	ErrSessionInvalid      = errors.New("session invalid")
	ErrNotStarted          = errors.New("conditioner not started")
	ErrAlreadyStarted      = errors.New("conditioner already started")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrInvalidLadder       = errors.New("invalid bitrate ladder")
	ErrInvalidBitrate      = errors.New("invalid bitrate")
	ErrNoSample            = errors.New("no network sample available")
)
