package export

import "errors"

var (
	// ErrDuplicateName is returned when two entries resolve to the same qualified name.
	ErrDuplicateName = errors.New("duplicate parameter name")
	// ErrIO is returned when the model cannot be read or the destination cannot be written.
	ErrIO = errors.New("export i/o failure")
)
