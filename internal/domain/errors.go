package domain

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrStageConfig = errors.New("stage configuration invalid")
)
