// Package domain holds the error taxonomy shared by the processing pipeline.
package domain

import "errors"

var (
	// ErrRender indicates a page or document could not be rasterized or
	// decoded. Callers recover locally by skipping the page or file.
	ErrRender = errors.New("render failed")

	// ErrInvalidArgument indicates the caller violated a precondition.
	// It is surfaced immediately and never swallowed by batch operations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrService indicates an external service call failed (network, auth,
	// quota). Fatal per record for text recognition, degraded for field
	// extraction.
	ErrService = errors.New("external service failure")

	// ErrResource indicates a blob handle could not be created or read.
	ErrResource = errors.New("resource handle failure")
)
