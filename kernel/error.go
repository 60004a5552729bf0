// Package kernel contains the types and helpers shared by every kernel
// subsystem.
package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. The Go allocator is
// never initialized by this kernel so errors.New and fmt.Errorf cannot be
// used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
