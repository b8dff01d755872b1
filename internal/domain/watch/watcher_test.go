package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/watch"
)

func startWatcher(t *testing.T, roots ...string) <-chan []string {
	t.Helper()

	changes := make(chan []string, 16)
	w := watch.New(roots, 20*time.Millisecond, func(_ context.Context, paths []string) {
		changes <- paths
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return changes
}

// collect gathers changed paths until want are all seen or the deadline hits.
func collect(t *testing.T, changes <-chan []string, want ...string) map[string]bool {
	t.Helper()

	seen := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for {
		missing := false
		for _, p := range want {
			if !seen[p] {
				missing = true
			}
		}
		if !missing {
			return seen
		}
		select {
		case paths := <-changes:
			for _, p := range paths {
				seen[p] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, saw %v", want, seen)
		}
	}
}

func TestWatcher_ReportsChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	changes := startWatcher(t, root)

	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	seen := collect(t, changes, a, b)
	assert.True(t, seen[a])
	assert.True(t, seen[b])
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	changes := startWatcher(t, root)

	dir := filepath.Join(root, "plugin-one")
	require.NoError(t, os.Mkdir(dir, 0o755))
	collect(t, changes, dir)

	descriptor := filepath.Join(dir, "plugin.properties")
	require.NoError(t, os.WriteFile(descriptor, []byte("plugin.id=one\n"), 0o644))
	collect(t, changes, descriptor)
}

func TestWatcher_MissingRootIsSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	changes := startWatcher(t, filepath.Join(root, "missing"), root)

	file := filepath.Join(root, "x")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	collect(t, changes, file)
}

func TestWatcher_RootCreatedLater(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	root := filepath.Join(parent, "later", "plugins")
	changes := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(parent, "unrelated"), nil, 0o644))
	require.NoError(t, os.MkdirAll(root, 0o755))
	seen := collect(t, changes, root)
	assert.False(t, seen[filepath.Join(parent, "unrelated")])

	descriptor := filepath.Join(root, "plugin.properties")
	require.NoError(t, os.WriteFile(descriptor, []byte("plugin.id=one\n"), 0o644))
	collect(t, changes, descriptor)
}
