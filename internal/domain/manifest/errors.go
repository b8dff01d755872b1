package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrInvalidVersion indicates a version string is not strict semver.
	ErrInvalidVersion = errors.New("invalid semantic version")
	// ErrUnsupportedConstraint indicates an operator outside the supported set.
	ErrUnsupportedConstraint = errors.New("unsupported version constraint")
	// ErrDescriptorNotFound indicates plugin.properties was not found.
	ErrDescriptorNotFound = errors.New(DescriptorName + " not found")
	// ErrModuleNotFound indicates the entry module is missing from the plugin.
	ErrModuleNotFound = errors.New("entry module not found")
)

// ManifestParseError indicates a descriptor could not be turned into a manifest.
// Only the offending descriptor is affected.
//
//nolint:revive // Name mirrors the failure code.
type ManifestParseError struct {
	Source string
	Key    string
	Err    error
}

func (e *ManifestParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("parsing descriptor %s: %s: %v", e.Source, e.Key, e.Err)
	}
	return fmt.Sprintf("parsing descriptor %s: %v", e.Source, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// Code implements failure.Coded.
func (e *ManifestParseError) Code() failure.Code {
	return failure.CodeManifestParse
}

// DuplicateManifestIDError indicates two or more descriptors declare the same id.
// Every holder of the id is excluded.
type DuplicateManifestIDError struct {
	ID      string
	Sources []string
}

func (e *DuplicateManifestIDError) Error() string {
	return fmt.Sprintf("duplicate plugin id %q declared by %s", e.ID, strings.Join(e.Sources, ", "))
}

// Code implements failure.Coded.
func (e *DuplicateManifestIDError) Code() failure.Code {
	return failure.CodeDuplicateManifestID
}

// Plugin implements failure.Scoped.
func (e *DuplicateManifestIDError) Plugin() string {
	return e.ID
}

// DiscoveryError represents an error loading a specific plugin location.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("loading plugin at %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// DescriptorSizeError indicates a descriptor exceeds the size limit.
type DescriptorSizeError struct {
	Size  int64
	Limit int64
}

func (e *DescriptorSizeError) Error() string {
	return fmt.Sprintf("descriptor size %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// ModuleSizeError indicates an entry module exceeds the size limit.
type ModuleSizeError struct {
	Path  string
	Size  int64
	Limit int64
}

func (e *ModuleSizeError) Error() string {
	return fmt.Sprintf("module %s size %d bytes exceeds limit of %d bytes", e.Path, e.Size, e.Limit)
}

// PathTraversalError indicates an entry reference escapes its plugin root.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path traversal detected in: %s", e.Path)
}

// IsManifestParse returns true if the error is a descriptor parse failure.
func IsManifestParse(err error) bool {
	var parseErr *ManifestParseError
	return errors.As(err, &parseErr)
}

// IsDuplicateManifestID returns true if the error is a duplicate id failure.
func IsDuplicateManifestID(err error) bool {
	var dupErr *DuplicateManifestIDError
	return errors.As(err, &dupErr)
}

// IsPathTraversal returns true if the error indicates path traversal.
func IsPathTraversal(err error) bool {
	var traversalErr *PathTraversalError
	return errors.As(err, &traversalErr)
}
