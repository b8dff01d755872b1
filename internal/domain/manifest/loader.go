package manifest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

const (
	// maxDescriptorSize limits descriptor size to prevent memory exhaustion (64KB).
	maxDescriptorSize int64 = 64 * 1024
	// maxModuleSize limits entry module size (64MB).
	maxModuleSize int64 = 64 * 1024 * 1024
)

// archiveExtensions are the file suffixes treated as packaged plugins.
var archiveExtensions = []string{".zip", ".plugin"}

// DiscoveryResult captures both successful loads and errors.
type DiscoveryResult struct {
	Manifests []*Manifest
	Errors    []DiscoveryError
}

// HasErrors returns true if there were errors during discovery.
func (r *DiscoveryResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Loader discovers plugin descriptors under a set of roots. It keeps no state
// between calls, so Discover may be repeated for rescans.
type Loader struct {
	// Roots are directories to search for plugins, in priority order.
	Roots  []string
	logger *logging.Logger
}

// NewLoader creates a loader over the given roots.
func NewLoader(roots ...string) *Loader {
	return &Loader{Roots: roots}
}

// WithLogger sets the logger used to report skipped entries.
func (l *Loader) WithLogger(logger *logging.Logger) *Loader {
	l.logger = logger
	return l
}

// Discover finds every plugin under the configured roots. A descriptor that
// fails to parse is reported in the result and does not stop the scan.
func (l *Loader) Discover(ctx context.Context) (*DiscoveryResult, error) {
	result := &DiscoveryResult{
		Manifests: make([]*Manifest, 0),
		Errors:    make([]DiscoveryError, 0),
	}

	for _, root := range l.Roots {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		manifests, errs := l.discoverInRoot(ctx, root)
		result.Manifests = append(result.Manifests, manifests...)
		result.Errors = append(result.Errors, errs...)
	}

	if l.logger != nil {
		l.logger.Debug().
			Int("manifests", len(result.Manifests)).
			Int("errors", len(result.Errors)).
			Msg("discovery finished")
	}
	return result, nil
}

// discoverInRoot scans one root. A root holding a descriptor is itself a
// plugin; otherwise its child directories and archives are inspected.
func (l *Loader) discoverInRoot(ctx context.Context, root string) ([]*Manifest, []DiscoveryError) {
	if _, err := os.Stat(filepath.Join(root, DescriptorName)); err == nil {
		m, err := LoadFromDir(root)
		if err != nil {
			return nil, []DiscoveryError{{Path: root, Err: err}}
		}
		return []*Manifest{m}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Root doesn't exist, not an error
		}
		return nil, []DiscoveryError{{Path: root, Err: err}}
	}

	manifests := make([]*Manifest, 0, len(entries))
	errs := make([]DiscoveryError, 0)

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return manifests, errs
		default:
		}

		entryPath := filepath.Join(root, entry.Name())
		var (
			m       *Manifest
			loadErr error
		)
		switch {
		case entry.IsDir():
			m, loadErr = LoadFromDir(entryPath)
			if errors.Is(loadErr, ErrDescriptorNotFound) {
				continue
			}
		case isArchive(entry.Name()):
			m, loadErr = LoadFromArchive(entryPath)
		default:
			continue
		}

		if loadErr != nil {
			if l.logger != nil {
				l.logger.Warn().Str("path", entryPath).Err(loadErr).Msg("skipping plugin")
			}
			errs = append(errs, DiscoveryError{Path: entryPath, Err: loadErr})
			continue
		}
		manifests = append(manifests, m)
	}

	return manifests, errs
}

// LoadFromDir loads an exploded plugin directory.
func LoadFromDir(dir string) (*Manifest, error) {
	descriptorPath := filepath.Join(dir, DescriptorName)

	info, err := os.Stat(descriptorPath)
	if os.IsNotExist(err) {
		return nil, ErrDescriptorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", DescriptorName, err)
	}
	if info.Size() > maxDescriptorSize {
		return nil, &DescriptorSizeError{Size: info.Size(), Limit: maxDescriptorSize}
	}

	file, err := os.Open(descriptorPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", DescriptorName, err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", DescriptorName, err)
	}

	return ParseDescriptor(dir, data)
}

// LoadFromArchive loads a packaged plugin. The descriptor must sit at the
// archive root.
func LoadFromArchive(archivePath string) (*Manifest, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	f := findZipEntry(&zr.Reader, DescriptorName)
	if f == nil {
		return nil, ErrDescriptorNotFound
	}
	if size := int64(f.UncompressedSize64); size > maxDescriptorSize {
		return nil, &DescriptorSizeError{Size: size, Limit: maxDescriptorSize}
	}
	data, err := readZipFile(f, maxDescriptorSize)
	if err != nil {
		return nil, err
	}

	m, err := ParseDescriptor(archivePath, data)
	if err != nil {
		return nil, err
	}
	m.Packaged = true
	return m, nil
}

// ReadModule returns the bytes of the manifest's entry module, the file named
// by ClassRef inside the plugin directory or archive.
func ReadModule(m *Manifest) ([]byte, error) {
	return readModule(m, maxModuleSize)
}

func readModule(m *Manifest, limit int64) ([]byte, error) {
	name, err := cleanEntryName(m.ClassRef)
	if err != nil {
		return nil, err
	}

	if m.Packaged {
		zr, err := zip.OpenReader(m.Source)
		if err != nil {
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		defer func() { _ = zr.Close() }()

		f := findZipEntry(&zr.Reader, name)
		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
		}
		if size := int64(f.UncompressedSize64); size > limit {
			return nil, &ModuleSizeError{Path: name, Size: size, Limit: limit}
		}
		return readZipFile(f, limit)
	}

	modulePath := filepath.Join(m.Source, filepath.FromSlash(name))
	info, err := os.Stat(modulePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
		}
		return nil, fmt.Errorf("checking module: %w", err)
	}
	if info.Size() > limit {
		return nil, &ModuleSizeError{Path: name, Size: info.Size(), Limit: limit}
	}

	file, err := os.Open(modulePath)
	if err != nil {
		return nil, fmt.Errorf("opening module: %w", err)
	}
	defer func() { _ = file.Close() }()

	return io.ReadAll(io.LimitReader(file, limit))
}

func findZipEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(io.LimitReader(rc, limit))
}

// cleanEntryName normalizes a module reference and rejects paths that leave
// the plugin root.
func cleanEntryName(ref string) (string, error) {
	name := path.Clean(strings.ReplaceAll(strings.TrimSpace(ref), "\\", "/"))
	if name == "." || name == "" || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", &PathTraversalError{Path: ref}
	}
	return name, nil
}

func isArchive(name string) bool {
	return slices.Contains(archiveExtensions, strings.ToLower(filepath.Ext(name)))
}
