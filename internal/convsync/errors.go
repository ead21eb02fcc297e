package convsync

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrQueueFull        = errors.New("callback queue full")
	ErrDuplicateMessage = errors.New("duplicate provider message id")
	ErrPermissionDenied = errors.New("permission denied")
)
