// Package failure defines the machine-readable codes carried by every fatal
// plugin condition.
package failure

import "errors"

// Code identifies a failure category.
type Code string

// Failure codes.
const (
	CodeManifestParse             Code = "MANIFEST_PARSE"
	CodeDuplicateManifestID       Code = "DUPLICATE_MANIFEST_ID"
	CodeUnsatisfiedHardDependency Code = "UNSATISFIED_HARD_DEPENDENCY"
	CodeUnsatisfiedSoftDependency Code = "UNSATISFIED_SOFT_DEPENDENCY"
	CodeConflict                  Code = "CONFLICT"
	CodeCyclicDependency          Code = "CYCLIC_DEPENDENCY"
	CodeClassLoad                 Code = "CLASS_LOAD"
	CodeLifecycleFault            Code = "LIFECYCLE_FAULT"
)

// Coded is implemented by errors that carry a failure code.
type Coded interface {
	Code() Code
}

// Scoped is implemented by errors that belong to a single plugin.
type Scoped interface {
	Plugin() string
}

// CodeOf returns the first failure code found in err's chain, or "".
func CodeOf(err error) Code {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// PluginOf returns the plugin id the error is scoped to, or "".
func PluginOf(err error) string {
	var scoped Scoped
	if errors.As(err, &scoped) {
		return scoped.Plugin()
	}
	return ""
}

// IsFatal reports whether the code excludes a plugin from loading.
func (c Code) IsFatal() bool {
	return c != "" && c != CodeUnsatisfiedSoftDependency
}
