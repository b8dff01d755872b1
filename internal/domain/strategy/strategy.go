// Package strategy materializes plugin entry points into live handles under a
// configurable isolation model.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Kind names an isolation strategy.
type Kind string

const (
	// KindDevelopment resolves entry points from an in-process catalog that
	// shares one parent context across all plugins.
	KindDevelopment Kind = "development"
	// KindPackaged loads each plugin's WebAssembly module into its own
	// instance. The host module is the only shared boundary.
	KindPackaged Kind = "packaged"
)

// ParseKind validates a strategy name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDevelopment, KindPackaged:
		return Kind(s), nil
	case "":
		return KindPackaged, nil
	default:
		return "", fmt.Errorf("unknown loader strategy %q (want %s or %s)", s, KindDevelopment, KindPackaged)
	}
}

// Handle is a materialized plugin instance.
type Handle interface {
	// ID uniquely identifies this materialization.
	ID() string
	// PluginID is the manifest id the handle was created for.
	PluginID() string
	// Setup runs the plugin's setup hook and returns the extensions it
	// contributes.
	Setup(ctx context.Context) ([]extension.Builder, error)
	// Teardown runs the plugin's teardown hook.
	Teardown(ctx context.Context) error
	// Release frees the handle. It is called once, after teardown or on delete.
	Release(ctx context.Context) error
}

// Strategy turns manifests into handles.
type Strategy interface {
	Kind() Kind
	// Materialize resolves the manifest's entry point. Failures are
	// ClassLoadErrors scoped to that plugin.
	Materialize(ctx context.Context, m *manifest.Manifest) (Handle, error)
	// Close releases strategy-wide resources.
	Close(ctx context.Context) error
}

// Sentinel errors for programmatic error handling.
var (
	// ErrClassNotFound indicates no factory is registered for a class reference.
	ErrClassNotFound = errors.New("entry point not found")
	// ErrHandleReleased indicates a handle was used after Release.
	ErrHandleReleased = errors.New("plugin handle released")
	// ErrStrategyClosed indicates the strategy was closed.
	ErrStrategyClosed = errors.New("loader strategy closed")
)

// ClassLoadError indicates a plugin's entry point could not be materialized.
type ClassLoadError struct {
	PluginID string
	ClassRef string
	Err      error
}

func (e *ClassLoadError) Error() string {
	return fmt.Sprintf("plugin %q: loading entry point %q: %v", e.PluginID, e.ClassRef, e.Err)
}

func (e *ClassLoadError) Unwrap() error {
	return e.Err
}

// Code implements failure.Coded.
func (e *ClassLoadError) Code() failure.Code {
	return failure.CodeClassLoad
}

// Plugin implements failure.Scoped.
func (e *ClassLoadError) Plugin() string {
	return e.PluginID
}

// IsClassLoad returns true if the error is an entry point failure.
func IsClassLoad(err error) bool {
	var loadErr *ClassLoadError
	return errors.As(err, &loadErr)
}

// Options configures New.
type Options struct {
	// Catalog supplies entry points for the development strategy.
	Catalog *Catalog
	// Shared is the parent context of the development strategy. A new one is
	// created when nil.
	Shared *Shared
	// ModuleReader loads entry modules for the packaged strategy. Defaults to
	// manifest.ReadModule.
	ModuleReader func(*manifest.Manifest) ([]byte, error)
	Logger       *logging.Logger
}

// New selects a strategy by kind.
func New(ctx context.Context, kind Kind, opts Options) (Strategy, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	switch kind {
	case KindDevelopment:
		return NewDevelopment(opts.Catalog, opts.Shared, opts.Logger), nil
	case KindPackaged:
		return NewPackaged(ctx, opts.ModuleReader, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown loader strategy %q", kind)
	}
}
