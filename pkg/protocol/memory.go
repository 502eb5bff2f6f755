package protocol

import (
	"bytes"
	"crypto/md5"
	"hash"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/repository"
	"github.com/mirrorpoint/mirrorpoint/pkg/state"
)

// syncMarker is the trailer produced by a deflate sync flush. It is stripped
// from cached compressed contents and re-appended by decompressors.
var syncMarker = []byte{0x00, 0x00, 0xFF, 0xFF}

// compressionLevel is the deflate level applied to cached contents.
const compressionLevel = 6

// MemoryCachedModule is a Module that caches all data in memory.
//
// On each repository rebuild it materializes the full tree, precomputing each
// file's MD5 checksum and deflated contents, and then builds a FileList for
// every possible requested path in both recursive and non-recursive form. The
// serving path is thereby CPU-free: a request is a map lookup returning
// precomputed immutable data.
//
// Snapshot publication is a pair of atomic pointer swaps. Sessions that
// captured the previous maps continue serving from the previous snapshot
// until their requests complete.
type MemoryCachedModule struct {
	// name is the module's logical name.
	name string
	// description is the module's description.
	description string
	// logger is the module's logger.
	logger *logging.Logger
	// digest is the MD5 digest reused across files within a rebuild. Rebuilds
	// are serialized by the scanner, so no locking is required.
	digest hash.Hash
	// compressor is the deflate writer reused across files within a rebuild.
	compressor *flate.Writer
	// builder builds the per-path file lists.
	builder FileListBuilder
	// tracker tracks snapshot generations and wakes waiters on publication.
	tracker *state.Tracker
	// recursiveLists maps every reachable path to its recursive file list.
	recursiveLists atomic.Pointer[map[string]*FileList]
	// nonRecursiveLists maps every reachable path to its non-recursive file
	// list.
	nonRecursiveLists atomic.Pointer[map[string]*FileList]
}

// NewMemoryCachedModule creates a module with the specified name, description,
// and source repository, and registers itself as the repository's watcher. The
// module serves no paths until the repository's first scan completes.
func NewMemoryCachedModule(name, description string, source repository.Repository, logger *logging.Logger) *MemoryCachedModule {
	// The flate API guarantees writer creation succeeds for sane levels.
	compressor, _ := flate.NewWriter(nil, compressionLevel)
	module := &MemoryCachedModule{
		name:        name,
		description: description,
		logger:      logger,
		digest:      md5.New(),
		compressor:  compressor,
		tracker:     state.NewTracker(),
	}
	empty := map[string]*FileList{}
	module.recursiveLists.Store(&empty)
	module.nonRecursiveLists.Store(&empty)
	source.SetWatcher(module)
	return module
}

// Name implements Module.Name.
func (m *MemoryCachedModule) Name() string {
	return m.name
}

// Description implements Module.Description.
func (m *MemoryCachedModule) Description() string {
	return m.description
}

// Generation returns the current snapshot generation. Generation 0 means that
// no snapshot has been published yet.
func (m *MemoryCachedModule) Generation() uint64 {
	return m.tracker.Generation()
}

// WaitForSnapshot blocks until the snapshot generation advances past the
// specified previous generation, returning the new generation and whether or
// not tracking has been terminated.
func (m *MemoryCachedModule) WaitForSnapshot(previousGeneration uint64) (uint64, bool) {
	return m.tracker.WaitForChange(previousGeneration)
}

// FileList implements Module.FileList.
func (m *MemoryCachedModule) FileList(rootPath string, recursive bool) (*FileList, error) {
	// A request for the bare module name means the module root.
	if rootPath == m.name {
		rootPath = m.name + "/"
	}

	// All requested paths must be within the module.
	if !strings.HasPrefix(rootPath, m.name+"/") {
		return nil, &NoSuchPathError{Path: rootPath}
	}

	// Look up the precomputed list.
	var lists map[string]*FileList
	if recursive {
		lists = *m.recursiveLists.Load()
	} else {
		lists = *m.nonRecursiveLists.Load()
	}
	list, ok := lists[rootPath]
	if !ok {
		return nil, &NoSuchPathError{Path: rootPath}
	}
	return list, nil
}

// RepositoryUpdated implements repository.Watcher.RepositoryUpdated. It
// materializes a fresh snapshot and publishes it. A materialization failure
// aborts the rebuild and leaves the previously published snapshot
// authoritative.
func (m *MemoryCachedModule) RepositoryUpdated(source repository.Repository) {
	root := source.RepositoryRoot()
	if root == nil {
		return
	}

	// Materialize the tree, computing checksums and compressed contents.
	var fileCount int
	var byteCount uint64
	cached, err := m.materialize(root, &fileCount, &byteCount)
	if err != nil {
		m.logger.Error(errors.Wrap(err, "snapshot rebuild failed"))
		return
	}

	// Build fresh path-keyed lists and publish them. The two stores are
	// sequenced, so a reader that observes the new recursive map may briefly
	// pair it with the old non-recursive map; both maps are internally
	// consistent and lookups consult only one of them.
	recursive := make(map[string]*FileList)
	nonRecursive := make(map[string]*FileList)
	m.updateLists(recursive, nonRecursive, cached)
	m.recursiveLists.Store(&recursive)
	m.nonRecursiveLists.Store(&nonRecursive)
	m.tracker.NotifyOfChange()

	m.logger.Infof("published snapshot generation %d: %d files, %s",
		m.tracker.Generation(), fileCount, humanize.Bytes(byteCount))
}

// materialize converts a repository node into a cached file, computing the MD5
// checksum and deflated form of its contents and recursing into children.
func (m *MemoryCachedModule) materialize(node repository.Node, fileCount *int, byteCount *uint64) (*File, error) {
	file := &File{
		name:             node.Name(),
		size:             node.Size(),
		lastModifiedTime: node.LastModifiedTime(),
		isDirectory:      node.IsDirectory(),
	}

	if file.isDirectory {
		for _, child := range node.Children() {
			cached, err := m.materialize(child, fileCount, byteCount)
			if err != nil {
				return nil, err
			}
			file.children = append(file.children, cached)
		}
		return file, nil
	}

	// Contents may alias scanner-owned storage, so copy them.
	file.contents = append([]byte(nil), node.Content()...)
	m.digest.Reset()
	m.digest.Write(file.contents)
	file.checksum = m.digest.Sum(nil)
	compressed, err := m.compress(file.contents)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to compress %s", file.name)
	}
	file.compressed = compressed
	*fileCount += 1
	*byteCount += uint64(len(file.contents))
	return file, nil
}

// compress deflates contents with a sync flush and strips the 4-byte sync
// marker so that a decompressor can continue statefully after re-appending it.
func (m *MemoryCachedModule) compress(contents []byte) ([]byte, error) {
	var output bytes.Buffer
	m.compressor.Reset(&output)
	if _, err := m.compressor.Write(contents); err != nil {
		return nil, errors.Wrap(err, "unable to deflate contents")
	} else if err = m.compressor.Flush(); err != nil {
		return nil, errors.Wrap(err, "unable to flush compressor")
	}

	result := output.Bytes()
	if len(result) < len(syncMarker) || !bytes.Equal(result[len(result)-4:], syncMarker) {
		return nil, errors.New("deflated output missing sync marker")
	}
	return result[:len(result)-4], nil
}

// updateLists populates both path-keyed maps for the specified file and its
// descendants. Every node whose name contains a separator contributes an entry
// keyed by its full path; every directory additionally contributes an entry
// keyed by its path with a trailing separator.
func (m *MemoryCachedModule) updateLists(recursive, nonRecursive map[string]*FileList, file *File) {
	name := file.Name()
	if index := strings.LastIndex(name, "/"); index >= 0 {
		root := name[:index]
		recursive[name] = m.builder.MakeList(root, file, true)
		nonRecursive[name] = m.builder.MakeList(root, file, false)
	}
	if file.IsDirectory() {
		recursive[name+"/"] = m.builder.MakeList(name, file, true)
		nonRecursive[name+"/"] = m.builder.MakeList(name, file, false)
		for _, child := range file.Children() {
			m.updateLists(recursive, nonRecursive, child)
		}
	}
}
