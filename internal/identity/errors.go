package identity

import "errors"

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrInactive     = errors.New("identity: inactive")
	ErrInvalidInput = errors.New("identity: invalid input")
	ErrUnauthorized = errors.New("identity: unauthorized")
)
