package variable

import "errors"

var (
	ErrTypeMismatch    = errors.New("variable: type mismatch")
	ErrInvalidValue    = errors.New("variable: invalid value")
	ErrRestricted      = errors.New("variable: value rejected by restriction")
	ErrUnknownVariable = errors.New("variable: unknown variable")
	ErrDestroyed       = errors.New("variable: destroyed")
	ErrInvalidLink     = errors.New("variable: invalid link")
	ErrLinkNotFound    = errors.New("variable: link not found")
)
