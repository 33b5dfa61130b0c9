package model

import "errors"

// Sentinel kinds for domain validation.
var (
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrInvalidRule     = errors.New("invalid rule")
)
