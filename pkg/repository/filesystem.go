package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
)

// rescanDebounce is the quiet period required after a filesystem event before
// a rescan is triggered, coalescing event bursts into a single rebuild.
const rescanDebounce = 500 * time.Millisecond

// node is the filesystem-backed Node implementation. Trees are immutable once
// built; a rescan produces an entirely new tree.
type node struct {
	name             string
	size             int64
	content          []byte
	lastModifiedTime int64
	isDirectory      bool
	children         []Node
}

func (n *node) Name() string            { return n.name }
func (n *node) Size() int64             { return n.size }
func (n *node) Content() []byte         { return n.content }
func (n *node) LastModifiedTime() int64 { return n.lastModifiedTime }
func (n *node) IsDirectory() bool       { return n.isDirectory }
func (n *node) Children() []Node        { return n.children }

// FilesystemRepository scans a directory tree into immutable in-memory
// snapshots and notifies its watcher after each successful scan. Rescans are
// triggered by filesystem notifications (debounced) and by a periodic
// interval as a fallback for platforms or mounts where notifications are
// unreliable. A scan failure leaves the previous snapshot in place.
type FilesystemRepository struct {
	// moduleName is the logical name that roots all node paths.
	moduleName string
	// path is the filesystem path of the served directory.
	path string
	// rescanInterval is the periodic rescan interval.
	rescanInterval time.Duration
	// logger is the repository's logger.
	logger *logging.Logger
	// watcher is the registered update watcher, if any.
	watcher Watcher
	// root is the most recently scanned tree.
	root atomic.Pointer[node]
}

// NewFilesystemRepository creates a repository scanning the specified path
// under the specified module name.
func NewFilesystemRepository(moduleName, path string, rescanInterval time.Duration, logger *logging.Logger) *FilesystemRepository {
	return &FilesystemRepository{
		moduleName:     moduleName,
		path:           path,
		rescanInterval: rescanInterval,
		logger:         logger,
	}
}

// SetWatcher implements Repository.SetWatcher.
func (r *FilesystemRepository) SetWatcher(watcher Watcher) {
	r.watcher = watcher
}

// RepositoryRoot implements Repository.RepositoryRoot.
func (r *FilesystemRepository) RepositoryRoot() Node {
	root := r.root.Load()
	if root == nil {
		return nil
	}
	return root
}

// Rescan walks the repository directory, builds a fresh tree snapshot,
// publishes it, and notifies the watcher. It returns an error (leaving the
// previous snapshot in place) if the walk fails.
func (r *FilesystemRepository) Rescan() error {
	start := time.Now()
	var byteCount uint64
	root, err := r.scan(r.path, r.moduleName, &byteCount)
	if err != nil {
		return errors.Wrap(err, "unable to scan repository")
	}
	r.root.Store(root)
	r.logger.Debugf("scanned %s in %v", humanize.Bytes(byteCount), time.Since(start))
	if r.watcher != nil {
		r.watcher.RepositoryUpdated(r)
	}
	return nil
}

// scan materializes a single filesystem entry, recursing into directories.
// Directory entries are read in filename order, as os.ReadDir returns them.
func (r *FilesystemRepository) scan(path, name string, byteCount *uint64) (*node, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to stat entry")
	}

	result := &node{
		name:             name,
		lastModifiedTime: info.ModTime().Unix(),
		isDirectory:      info.IsDir(),
	}

	if result.isDirectory {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read directory")
		}
		for _, entry := range entries {
			child, err := r.scan(filepath.Join(path, entry.Name()), name+"/"+entry.Name(), byteCount)
			if err != nil {
				return nil, err
			}
			result.children = append(result.children, child)
		}
		return result, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read file")
	}
	result.content = content
	result.size = int64(len(content))
	*byteCount += uint64(len(content))
	return result, nil
}

// watchPaths registers the repository root and all of its subdirectories with
// the filesystem watcher. Registration failures on individual subdirectories
// are non-fatal; the periodic rescan covers them.
func (r *FilesystemRepository) watchPaths(watcher *fsnotify.Watcher) {
	filepath.WalkDir(r.path, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if err := watcher.Add(path); err != nil {
				r.logger.Debugf("unable to watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// Serve runs the repository scanner until the context is cancelled. It
// performs an initial scan, then rescans whenever filesystem events settle or
// the periodic interval elapses.
func (r *FilesystemRepository) Serve(ctx context.Context) error {
	// Perform the initial scan. A failure here is fatal for the service; the
	// supervisor will back off and restart.
	if err := r.Rescan(); err != nil {
		return err
	}

	// Create the filesystem watcher. If notification is unavailable, fall
	// back to interval-only rescans.
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn(errors.Wrap(err, "filesystem notification unavailable"))
	} else {
		defer watcher.Close()
		r.watchPaths(watcher)
		events = make(chan fsnotify.Event)
		go func() {
			defer close(events)
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					r.logger.Warn(errors.Wrap(err, "filesystem watch error"))
				}
			}
		}()
	}

	// Rescan on debounced events or interval expiry.
	ticker := time.NewTicker(r.rescanInterval)
	defer ticker.Stop()
	var debounce *time.Timer
	var debounced <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(rescanDebounce)
				debounced = debounce.C
			} else {
				debounce.Reset(rescanDebounce)
			}
		case <-debounced:
			debounce = nil
			debounced = nil
			if err := r.Rescan(); err != nil {
				r.logger.Error(err)
			} else if watcher != nil {
				r.watchPaths(watcher)
			}
		case <-ticker.C:
			if err := r.Rescan(); err != nil {
				r.logger.Error(err)
			}
		}
	}
}
