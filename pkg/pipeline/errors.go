package pipeline

import "errors"

var (
	ErrInvalidMessageID = errors.New("pipeline: invalid message id")
	ErrNoDestination    = errors.New("pipeline: no destination")
)
