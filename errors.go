// Package lector holds the error taxonomy shared by the capture, pipeline,
// playback and controller packages.
package lector

import "errors"

var (
	// ErrDeviceUnavailable reports that a capture or playback device could not
	// be acquired. It is fatal to the session being started.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrEmptyInput marks zero-length or too-small audio. It is never surfaced
	// to callers; the unit is dropped as "no speech".
	ErrEmptyInput = errors.New("empty audio input")

	// ErrServiceFailure wraps any failure of a transcription, enhancement or
	// synthesis backend.
	ErrServiceFailure = errors.New("service failure")

	// ErrDecode reports audio bytes that could not be decoded for playback.
	ErrDecode = errors.New("audio decode failed")

	// ErrBusy is returned when a session activity is requested while another
	// one is running.
	ErrBusy = errors.New("session busy")
)
