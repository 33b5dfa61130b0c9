package config

import "errors"

var (
	// ErrInvalidConfig wraps every Validate failure; the message names the key.
	ErrInvalidConfig = errors.New("invalid recalc config")
	// ErrLoadConfig wraps failures reading the YAML file or the RECALC_ environment.
	ErrLoadConfig = errors.New("load recalc config")
)
