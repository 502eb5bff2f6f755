package repository

// Node is a single entry in an immutable repository tree snapshot.
type Node interface {
	// Name returns the node's path relative to the module root, with the
	// module name as its first segment and '/' separators.
	Name() string
	// Size returns the node's size in bytes, zero for directories.
	Size() int64
	// Content returns the node's raw contents, nil for directories.
	Content() []byte
	// LastModifiedTime returns the modification time in seconds since the
	// epoch.
	LastModifiedTime() int64
	// IsDirectory returns whether or not the node is a directory.
	IsDirectory() bool
	// Children returns the node's entries in repository order, nil for
	// non-directories.
	Children() []Node
}

// Watcher is the interface implemented by consumers of repository updates.
type Watcher interface {
	// RepositoryUpdated is invoked after each successful rescan with the
	// repository whose tree changed. It is invoked from the scanner's
	// goroutine; implementations must publish their results safely.
	RepositoryUpdated(repository Repository)
}

// Repository provides immutable tree snapshots of a content repository.
type Repository interface {
	// SetWatcher registers the watcher notified on each rebuild. Only one
	// watcher is supported; registration must occur before scanning starts.
	SetWatcher(watcher Watcher)
	// RepositoryRoot returns the most recently scanned tree snapshot, or nil
	// if no scan has completed.
	RepositoryRoot() Node
}
