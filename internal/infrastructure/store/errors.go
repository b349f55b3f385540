package store

import "errors"

var (
	ErrDuplicate  = errors.New("record already exists")
	ErrContention = errors.New("too many concurrent updates")
)
