package message

import "errors"

var (
	ErrFieldNotFound = errors.New("message: field not found")
	ErrFieldInvalid  = errors.New("message: field is not a valid integer")
)
