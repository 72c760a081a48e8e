package archive

import "errors"

var (
	// ErrCancelled is returned by an engine that stopped because its
	// cancellation token was set. It is a distinct outcome, not a failure.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnsupportedFormat reports an archive whose format no engine handles.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrCreateUnsupported reports a format that can be read but not written.
	ErrCreateUnsupported = errors.New("creating archives not supported for this format")
)
