package protocol

import (
	"fmt"
)

// Module is the interface consumed by the session layer to serve file lists.
type Module interface {
	// Name returns the module's logical name, the first path segment of all
	// client requests into the module.
	Name() string
	// Description returns the module's human-readable description.
	Description() string
	// FileList returns the file list for the specified root path, in
	// recursive or non-recursive form. It returns a NoSuchPathError if the
	// path does not exist in the current snapshot.
	FileList(rootPath string, recursive bool) (*FileList, error)
}

// NoSuchPathError indicates a file list request for a path that does not exist
// in the module's current snapshot.
type NoSuchPathError struct {
	// Path is the requested path.
	Path string
}

// Error implements error.
func (e *NoSuchPathError) Error() string {
	return fmt.Sprintf("no such path: %s", e.Path)
}

// IsNoSuchPath returns whether or not an error is a NoSuchPathError.
func IsNoSuchPath(err error) bool {
	_, ok := err.(*NoSuchPathError)
	return ok
}
