package models

import "errors"

// Error kinds used across the engine. Wrap with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrConfiguration covers unknown instances and missing registry or target tables
	ErrConfiguration = errors.New("configuration error")
	// ErrConnectivity covers failures to reach a source or target
	ErrConnectivity = errors.New("connectivity error")
	// ErrStorageIntegrity covers write-time constraint violations
	ErrStorageIntegrity = errors.New("storage integrity error")
)
