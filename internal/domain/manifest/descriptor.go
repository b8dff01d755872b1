package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"
)

// DescriptorName is the file name of a plugin descriptor.
const DescriptorName = "plugin.properties"

// Descriptor keys.
const (
	KeyClass        = "plugin.class"
	KeyID           = "plugin.id"
	KeyName         = "plugin.name"
	KeyVersion      = "plugin.version"
	KeyDependencies = "plugin.dependencies"
	KeyConflicts    = "plugin.conflicts"
	KeyRequires     = "plugin.requires"
	KeyDescription  = "plugin.description"
	KeyProvider     = "plugin.provider"
	KeyLicense      = "plugin.license"
)

const (
	optionalMarker  = "?"
	constraintSep   = "@"
	listSeparator   = ","
	maxPluginIDSize = 64
)

// Ids owned by the host. A plugin declaring one would shadow the host in
// reports or collide with a module the packaged runtime instantiates itself.
const (
	HostID         = "host"
	HostModuleName = "pluginhost"
	wasiModuleName = "wasi_snapshot_preview1"
)

var reservedIDs = map[string]bool{
	HostID:         true,
	HostModuleName: true,
	wasiModuleName: true,
}

// pluginIDRegex restricts ids to a portable character set.
var pluginIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ParseDescriptor parses a plugin.properties record. source identifies the
// descriptor in errors and becomes Manifest.Source.
func ParseDescriptor(source string, data []byte) (*Manifest, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:  "=",
		IgnoreInlineComment: true,
	}, data)
	if err != nil {
		return nil, &ManifestParseError{Source: source, Err: err}
	}
	section := cfg.Section("")
	get := func(key string) string {
		return strings.TrimSpace(section.Key(key).String())
	}

	m := &Manifest{
		ClassRef:    get(KeyClass),
		ID:          get(KeyID),
		Name:        get(KeyName),
		Description: get(KeyDescription),
		Provider:    get(KeyProvider),
		License:     get(KeyLicense),
		Source:      source,
	}
	m.Constraints.normalize()

	for _, required := range []struct{ key, value string }{
		{KeyClass, m.ClassRef},
		{KeyID, m.ID},
		{KeyVersion, get(KeyVersion)},
	} {
		if required.value == "" {
			return nil, &ManifestParseError{Source: source, Key: required.key, Err: errors.New("required key is missing")}
		}
	}
	if err := validatePluginID(m.ID); err != nil {
		return nil, &ManifestParseError{Source: source, Key: KeyID, Err: err}
	}
	if reservedIDs[m.ID] {
		return nil, &ManifestParseError{Source: source, Key: KeyID, Err: fmt.Errorf("plugin id %q is reserved", m.ID)}
	}

	version, err := ParseVersion(get(KeyVersion))
	if err != nil {
		return nil, &ManifestParseError{Source: source, Key: KeyVersion, Err: err}
	}
	m.Version = version

	if raw := get(KeyRequires); raw != "" {
		requires, err := ParseConstraint(raw)
		if err != nil {
			return nil, &ManifestParseError{Source: source, Key: KeyRequires, Err: err}
		}
		m.Requires = &requires
	}

	if err := parseDependencies(get(KeyDependencies), &m.Constraints); err != nil {
		return nil, &ManifestParseError{Source: source, Key: KeyDependencies, Err: err}
	}
	if err := parseConflicts(get(KeyConflicts), &m.Constraints); err != nil {
		return nil, &ManifestParseError{Source: source, Key: KeyConflicts, Err: err}
	}

	return m, nil
}

// parseDependencies reads entries of the form id, id@constraint, id? and
// id?@constraint. Optional entries become wants.
func parseDependencies(raw string, into *Constraints) error {
	for _, entry := range splitList(raw) {
		id, expr, _ := strings.Cut(entry, constraintSep)
		id = strings.TrimSpace(id)
		optional := strings.HasSuffix(id, optionalMarker)
		id = strings.TrimSuffix(id, optionalMarker)

		if err := validatePluginID(id); err != nil {
			return fmt.Errorf("entry %q: %w", entry, err)
		}
		if _, dup := into.Needs[id]; dup {
			return fmt.Errorf("dependency %q listed more than once", id)
		}
		if _, dup := into.Wants[id]; dup {
			return fmt.Errorf("dependency %q listed more than once", id)
		}

		c, err := ParseConstraint(expr)
		if err != nil {
			return fmt.Errorf("entry %q: %w", entry, err)
		}
		if optional {
			into.Wants[id] = c
		} else {
			into.Needs[id] = c
		}
	}
	return nil
}

// parseConflicts reads entries of the form id or id@constraint.
func parseConflicts(raw string, into *Constraints) error {
	for _, entry := range splitList(raw) {
		id, expr, _ := strings.Cut(entry, constraintSep)
		id = strings.TrimSpace(id)

		if err := validatePluginID(id); err != nil {
			return fmt.Errorf("entry %q: %w", entry, err)
		}
		if _, dup := into.Conflicts[id]; dup {
			return fmt.Errorf("conflict %q listed more than once", id)
		}
		_, need := into.Needs[id]
		_, want := into.Wants[id]
		if need || want {
			return fmt.Errorf("%q is both a dependency and a conflict", id)
		}

		c, err := ParseConstraint(expr)
		if err != nil {
			return fmt.Errorf("entry %q: %w", entry, err)
		}
		into.Conflicts[id] = c
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, listSeparator)
	entries := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			entries = append(entries, p)
		}
	}
	return entries
}

func validatePluginID(id string) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if len(id) > maxPluginIDSize {
		return fmt.Errorf("plugin id %q exceeds %d characters", id, maxPluginIDSize)
	}
	if !pluginIDRegex.MatchString(id) {
		return fmt.Errorf("plugin id %q contains invalid characters", id)
	}
	return nil
}
