package client

import "errors"

var (
	ErrUnavailable     = errors.New("server unavailable")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoSession       = errors.New("no active session")
	ErrClosed          = errors.New("client closed")
)
