package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidLimit = errors.New("invalid limit")
	ErrInvalidSeed  = errors.New("invalid seed file")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
