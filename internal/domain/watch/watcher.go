// Package watch triggers plugin rescans when plugin roots change on disk.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// ChangeFunc receives the paths that changed since the last call, sorted.
type ChangeFunc func(ctx context.Context, paths []string)

// Watcher watches plugin roots recursively and calls a ChangeFunc once a
// burst of filesystem events has been quiet for the debounce interval.
// A root that does not exist yet is picked up when it is created.
type Watcher struct {
	roots    []string
	debounce time.Duration
	onChange ChangeFunc
	logger   *logging.Logger
	ready    chan struct{}

	// pending maps a missing root to the nearest ancestor being watched
	// in its place. Run goroutine only.
	pending map[string]string
}

// New creates a watcher. onChange runs on the Run goroutine, so a slow rescan
// delays further notifications instead of overlapping them.
func New(roots []string, debounce time.Duration, onChange ChangeFunc, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	cleaned := make([]string, len(roots))
	for i, root := range roots {
		cleaned[i] = filepath.Clean(root)
	}
	return &Watcher{
		roots:    cleaned,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.Sub("watch"),
		ready:    make(chan struct{}),
		pending:  make(map[string]string),
	}
}

// Ready is closed once the roots are being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, root := range w.roots {
		if isDir(root) {
			w.addTree(fw, root)
			continue
		}
		w.logger.Info().Str("root", root).Msg("plugin root missing, waiting for it to appear")
		w.pending[root] = ""
		w.watchPending(fw, root)
	}
	close(w.ready)
	w.logger.Info().Strs("roots", w.roots).Dur("debounce", w.debounce).Msg("watching plugin roots")

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed = make(map[string]struct{})
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				for _, root := range w.resolvePending(fw) {
					changed[root] = struct{}{}
				}
				if w.inRoot(event.Name) && isDir(event.Name) {
					w.addTree(fw, event.Name)
				}
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if slices.Contains(w.roots, event.Name) {
					w.pending[event.Name] = ""
					w.watchPending(fw, event.Name)
				}
			}
			if !w.inRoot(event.Name) {
				continue
			}
			changed[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")

		case <-fire:
			fire = nil
			paths := slices.Sorted(maps.Keys(changed))
			clear(changed)
			w.logger.Debug().Strs("paths", paths).Msg("plugin roots changed")
			w.onChange(ctx, paths)
		}
	}
}

// resolvePending starts watching every pending root that now exists and
// returns those roots. Roots still missing move their watch closer.
func (w *Watcher) resolvePending(fw *fsnotify.Watcher) []string {
	var appeared []string
	for _, root := range slices.Sorted(maps.Keys(w.pending)) {
		if w.watchPending(fw, root) {
			appeared = append(appeared, root)
		}
	}
	return appeared
}

// watchPending watches the nearest existing ancestor of a pending root. It
// repeats until the ancestor stops changing so a directory created between
// the check and the Add is not missed. It reports true once the root itself
// exists and is watched.
func (w *Watcher) watchPending(fw *fsnotify.Watcher, root string) bool {
	for {
		if isDir(root) {
			delete(w.pending, root)
			w.addTree(fw, root)
			w.logger.Info().Str("root", root).Msg("plugin root appeared")
			return true
		}
		ancestor := nearestDir(root)
		if ancestor == "" || ancestor == w.pending[root] {
			return false
		}
		if err := fw.Add(ancestor); err != nil {
			w.logger.Warn().Err(err).Str("path", ancestor).Msg("cannot watch parent of plugin root")
			return false
		}
		w.pending[root] = ancestor
	}
}

// inRoot reports whether path is a root or lies below one.
func (w *Watcher) inRoot(path string) bool {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// nearestDir returns the closest existing directory above path, or "" when
// none exists.
func nearestDir(path string) string {
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if isDir(dir) {
			return dir
		}
		if parent := filepath.Dir(dir); parent == dir {
			return ""
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				w.logger.Warn().Err(err).Str("path", dir).Msg("cannot watch plugin root")
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("cannot watch directory")
		}
		return nil
	})
}
