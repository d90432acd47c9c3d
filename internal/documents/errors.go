package documents

import "errors"

var (
	ErrNotFound      = errors.New("documents: not found")
	ErrAlreadyExists = errors.New("documents: already exists")
	ErrInvalidInput  = errors.New("documents: invalid input")
)
