// Package voice owns a single recording session at a time: opening a capture
// source, accumulating its chunks in order, assembling them into one blob and
// converting that blob into a container transcription endpoints accept.
package voice

import "errors"

var (
	// ErrPermissionDenied means the capture source refused access.
	ErrPermissionDenied = errors.New("voice: capture permission denied")
	// ErrNotSupported means the source cannot capture audio at all.
	ErrNotSupported = errors.New("voice: audio capture not supported")
	// ErrEmptyRecording means a recording produced no audio bytes.
	ErrEmptyRecording = errors.New("voice: recording is empty")
	// ErrRecordingActive is returned when processing a session that is still capturing.
	ErrRecordingActive = errors.New("voice: recording still active")
	// ErrConversionFailed means no usable audio could be produced from the input.
	ErrConversionFailed = errors.New("voice: conversion failed")
)

// DefaultMIME labels recordings whose first chunk carries no type.
const DefaultMIME = "audio/webm"

// Blob is an immutable run of encoded audio bytes and its MIME type.
type Blob struct {
	Data []byte
	MIME string
}

// Len returns the number of bytes in b; a nil blob has length 0.
func (b *Blob) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}
