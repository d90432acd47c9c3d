package services

import "errors"

var (
	ErrNotFound      = errors.New("services: not found")
	ErrAlreadyExists = errors.New("services: already exists")
	ErrInvalidInput  = errors.New("services: invalid input")
	ErrInvalidKey    = errors.New("services: invalid api key")
	ErrNoService     = errors.New("services: no service could be resolved")
)
