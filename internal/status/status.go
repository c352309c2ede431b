// Package status defines the discriminated error values shared by the cache
// layers. Callers match them with errors.Is after unwrapping.
package status

import "errors"

var (
	// ErrNamenodeNotConfigured is returned when a file's origin namenode is
	// not present in the registry.
	ErrNamenodeNotConfigured = errors.New("namenode not configured")

	// ErrNamenodeUnreachable is returned when no connection to the origin
	// namenode can be established.
	ErrNamenodeUnreachable = errors.New("dfs namenode unreachable")

	// ErrRequestFailed is returned when a scheduled prepare request reported
	// non-success through its completion callback.
	ErrRequestFailed = errors.New("prepare request failed")

	// ErrInvalidPath is returned when a local path cannot be decoded back to
	// a remote identity, or a remote identity cannot be encoded.
	ErrInvalidPath = errors.New("invalid cache path")

	// ErrNotFound is returned on a miss when autoload is disabled.
	ErrNotFound = errors.New("file not in cache")

	// ErrForbidden is returned when a file is forbidden and its resync
	// timer has not yet elapsed.
	ErrForbidden = errors.New("file is forbidden")

	// ErrDeleted is returned when a file was marked for deletion while the
	// caller waited on it. The caller should repeat the lookup.
	ErrDeleted = errors.New("file marked for deletion")

	// ErrNotImplemented is returned by surfaces still under development.
	ErrNotImplemented = errors.New("not implemented")
)
