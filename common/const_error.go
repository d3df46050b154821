package common

// ConstError is a error type that can be used to define immutable
// error constants.
type ConstError string

func (e ConstError) Error() string {
	return string(e)
}

const (
	// ErrNotFound is returned when a requested key, node or version is not
	// present in the store.
	ErrNotFound = ConstError("not found")

	// ErrCorrupted is returned when data read from the store violates a
	// structural invariant. It signals storage corruption or a codec bug
	// and operations reporting it must not be retried.
	ErrCorrupted = ConstError("db corrupted")
)
