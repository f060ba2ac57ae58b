package reltypes

import (
	"errors"
)

var (
	ErrBadChunkRef          = errors.New("bad chunk ref")
	ErrChunkNotFound        = errors.New("repository: chunk not found")
	ErrIntegrity            = errors.New("integrity error: data does not authenticate")
	ErrRepositoryNotFound   = errors.New("repository does not exist")
	ErrCheckNeeded          = errors.New("repository needs a check run")
	ErrInsufficientSpace    = errors.New("repository out of space")
	ErrRepositoryIDMismatch = errors.New("repository id mismatch")
)
