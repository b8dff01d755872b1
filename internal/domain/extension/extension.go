// Package extension defines the bridge through which plugins contribute
// extensions to the host, and an in-memory registry implementing it.
package extension

import (
	"errors"
	"fmt"
)

// Extension is a named unit of functionality contributed by a plugin.
type Extension interface {
	Name() string
}

// Unloader is implemented by extensions that release resources on unload.
type Unloader interface {
	Unload() error
}

// Builder constructs an extension when it is added to the host.
type Builder func() (Extension, error)

// Bridge is the host-side surface used by the lifecycle manager. Every call
// is made from the manager's commit loop, never concurrently.
type Bridge interface {
	// AddExtension builds and registers an extension.
	AddExtension(build Builder) error
	// UnloadExtension deactivates a registered extension, keeping its entry.
	UnloadExtension(name string) error
	// RemoveExtension drops an extension, unloading it first if needed.
	RemoveExtension(name string) error
}

// Sentinel errors for programmatic error handling.
var (
	// ErrNilBuilder indicates a nil builder was provided.
	ErrNilBuilder = errors.New("extension builder cannot be nil")
	// ErrEmptyName indicates an extension reported an empty name.
	ErrEmptyName = errors.New("extension name cannot be empty")
)

// ExistsError indicates an extension name is already registered and loaded.
type ExistsError struct {
	Name string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("extension %q already registered", e.Name)
}

// NotFoundError indicates an extension name is not registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("extension %q not found", e.Name)
}

// IsExists returns true if the error indicates a duplicate extension.
func IsExists(err error) bool {
	var existsErr *ExistsError
	return errors.As(err, &existsErr)
}

// IsNotFound returns true if the error indicates an unknown extension.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// Named returns a builder for a plain extension that only carries a name.
func Named(name string) Builder {
	return func() (Extension, error) {
		return namedExtension(name), nil
	}
}

type namedExtension string

func (n namedExtension) Name() string { return string(n) }
