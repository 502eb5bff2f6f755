// Package protocol provides the snapshot data model served over the rsync
// protocol: immutable files and file lists, and the in-memory module cache
// that rebuilds them from repository snapshots with precomputed checksums and
// compressed contents.
package protocol
