package engine

import "errors"

var (
	// ErrDrainInProgress is returned when a drain is invoked while one
	// is already running. The in-flight run will deliver the intents.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrRefreshInProgress is returned when a refresh for the same
	// collection is already running.
	ErrRefreshInProgress = errors.New("refresh already in progress")
)
