package stickercache

import "errors"

// Sentinel errors shared by every package. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrNetwork is returned when a remote request fails or answers with a
	// non-success status.
	ErrNetwork = errors.New("network error")

	// ErrDecode is returned when a payload is not the expected JSON shape.
	ErrDecode = errors.New("decode error")

	// ErrCorruptMetadata is returned when the stored snapshot exists but can
	// not be decoded.
	ErrCorruptMetadata = errors.New("corrupt metadata")

	// ErrIO is returned when a filesystem operation fails.
	ErrIO = errors.New("io error")

	// ErrNotFound is returned when a snapshot or cached asset does not exist.
	ErrNotFound = errors.New("not found")
)
