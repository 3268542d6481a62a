package modem

import "errors"

var (
	// ErrBusy rejects new work while a command is outstanding or
	// initialization has not finished.
	ErrBusy = errors.New("modem: command outstanding")

	// ErrTimeout reports that no matching response arrived before the
	// deadline. The caller decides whether to retry.
	ErrTimeout = errors.New("modem: response timeout")

	// ErrFaulted reports the terminal init-failure state; only Reset
	// clears it.
	ErrFaulted = errors.New("modem: faulted")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("modem: closed")
)
