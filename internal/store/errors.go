package store

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("name already taken")
	ErrInvalidFile   = errors.New("invalid file")
)
