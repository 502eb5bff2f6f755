package protocol

// File represents a single file or directory in a published snapshot. Files
// are immutable once built: every accessor returns data computed at snapshot
// time, and content slices must not be modified by callers.
type File struct {
	// name is the path of the file relative to the module root, with the
	// module name as its first segment and '/' separators.
	name string
	// size is the file size in bytes, zero for directories.
	size int64
	// contents are the raw file contents, nil for directories.
	contents []byte
	// compressed are the deflated contents with the sync-flush trailer
	// stripped, nil for directories.
	compressed []byte
	// checksum is the 16-byte MD5 digest of the raw contents, nil for
	// directories.
	checksum []byte
	// lastModifiedTime is the modification time in seconds since the epoch.
	lastModifiedTime int64
	// isDirectory indicates whether or not this file is a directory.
	isDirectory bool
	// children are the directory's entries in repository order, nil for
	// non-directories.
	children []*File
}

// Name returns the file's path relative to the module root.
func (f *File) Name() string {
	return f.name
}

// Size returns the file's size in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Contents returns the raw file contents, nil for directories.
func (f *File) Contents() []byte {
	return f.contents
}

// CompressedContents returns the precomputed deflate form of the contents:
// level-6 raw deflate, sync-flushed, with the trailing 4-byte sync marker
// removed. It is nil for directories.
func (f *File) CompressedContents() []byte {
	return f.compressed
}

// Checksum returns the 16-byte MD5 digest of the raw contents, nil for
// directories.
func (f *File) Checksum() []byte {
	return f.checksum
}

// LastModifiedTime returns the modification time in seconds since the epoch.
func (f *File) LastModifiedTime() int64 {
	return f.lastModifiedTime
}

// IsDirectory returns whether or not the file is a directory.
func (f *File) IsDirectory() bool {
	return f.isDirectory
}

// Children returns the directory's entries in repository order, nil for
// non-directories.
func (f *File) Children() []*File {
	return f.children
}

// FileList is an immutable listing of files visible from a root path. A new
// snapshot supersedes old lists wholesale; a list captured by a session
// remains valid for the life of that session.
type FileList struct {
	// root is the root path of the listing, the parent directory of the
	// requested entry.
	root string
	// files are the listed entries.
	files []*File
}

// Root returns the root path of the listing.
func (l *FileList) Root() string {
	return l.root
}

// Files returns the listed entries.
func (l *FileList) Files() []*File {
	return l.files
}

// Size returns the number of listed entries.
func (l *FileList) Size() int {
	return len(l.files)
}

// File returns the entry at the specified index, or false if the index is out
// of range.
func (l *FileList) File(index int) (*File, bool) {
	if index < 0 || index >= len(l.files) {
		return nil, false
	}
	return l.files[index], true
}
