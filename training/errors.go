package training

import "errors"

var (
	// ErrConfiguration is returned before any epoch runs when the
	// configuration cannot describe a valid run.
	ErrConfiguration = errors.New("training: invalid configuration")
	// ErrPersistence reports checkpoint reads or writes that failed.
	ErrPersistence = errors.New("training: checkpoint persistence failed")
	// ErrNumerical reports a non-finite loss or gradient.
	ErrNumerical = errors.New("training: numerical instability")
)
