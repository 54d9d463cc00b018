package engine

import "errors"

var (
	ErrNoContent      = errors.New("template has no content block for channel")
	ErrUnknownChannel = errors.New("delivery references unknown channel")
)
