package rsyncd

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
	"github.com/mirrorpoint/mirrorpoint/pkg/repository"
)

// testNode is an in-memory repository node.
type testNode struct {
	name     string
	content  []byte
	modified int64
	children []repository.Node
}

func (n *testNode) Name() string            { return n.name }
func (n *testNode) Size() int64             { return int64(len(n.content)) }
func (n *testNode) Content() []byte         { return n.content }
func (n *testNode) LastModifiedTime() int64 { return n.modified }
func (n *testNode) IsDirectory() bool       { return n.children != nil }
func (n *testNode) Children() []repository.Node {
	if n.children == nil {
		return nil
	}
	return n.children
}

// testRepository is an in-memory repository with a manual update trigger.
type testRepository struct {
	root    repository.Node
	watcher repository.Watcher
}

func (r *testRepository) SetWatcher(watcher repository.Watcher) { r.watcher = watcher }
func (r *testRepository) RepositoryRoot() repository.Node       { return r.root }
func (r *testRepository) update()                               { r.watcher.RepositoryUpdated(r) }

// directory creates a directory node. A directory with no children still
// reports itself as a directory.
func directory(name string, children ...repository.Node) *testNode {
	node := &testNode{name: name, modified: 1700000000, children: []repository.Node{}}
	node.children = append(node.children, children...)
	return node
}

// regular creates a regular file node.
func regular(name string, content []byte) *testNode {
	return &testNode{name: name, content: content, modified: 1700000000}
}

// testModule builds a module over a small fixed tree and publishes its first
// snapshot.
func testModule(t *testing.T) *protocol.MemoryCachedModule {
	t.Helper()
	source := &testRepository{
		root: directory("mod",
			regular("mod/a.bin", make([]byte, 1024)),
			directory("mod/sub",
				regular("mod/sub/b.txt", []byte("hello, world\n")),
			),
		),
	}
	module := protocol.NewMemoryCachedModule("mod", "test module", source, logging.RootLogger.Sublogger("test"))
	source.update()
	return module
}

func TestFileListRoundTrip(t *testing.T) {
	module := testModule(t)
	list, err := module.FileList("mod/", true)
	if err != nil {
		t.Fatal("unable to fetch file list:", err)
	}

	entries, err := DecodeFileList(EncodeFileList(list))
	if err != nil {
		t.Fatal("unable to decode file list:", err)
	}
	if len(entries) != list.Size() {
		t.Fatalf("entry count mismatch: %d != %d", len(entries), list.Size())
	}
	for i, entry := range entries {
		file, _ := list.File(i)
		if entry.Name != file.Name() {
			t.Errorf("entry %d name mismatch: %q != %q", i, entry.Name, file.Name())
		}
		if int64(entry.Size) != file.Size() {
			t.Errorf("entry %d size mismatch: %d != %d", i, entry.Size, file.Size())
		}
		if entry.Directory != file.IsDirectory() {
			t.Errorf("entry %d directory flag mismatch", i)
		}
	}
}

func TestEncodeTransfer(t *testing.T) {
	module := testModule(t)
	list, err := module.FileList("mod/", true)
	if err != nil {
		t.Fatal("unable to fetch file list:", err)
	}

	// Locate the large file in the list.
	var index int32 = -1
	var file *protocol.File
	for i := 0; i < list.Size(); i++ {
		if candidate, _ := list.File(i); candidate.Name() == "mod/a.bin" {
			index = int32(i)
			file = candidate
		}
	}
	if file == nil {
		t.Fatal("a.bin not present in file list")
	}

	data := EncodeTransfer(index, file)

	// Verify the index echo and sum header.
	if binary.LittleEndian.Uint32(data) != uint32(index) {
		t.Error("unexpected index echo")
	}
	if binary.LittleEndian.Uint32(data[4:]) != 0 {
		t.Error("unexpected block count")
	}
	if binary.LittleEndian.Uint32(data[12:]) != 16 {
		t.Error("unexpected strong-sum length")
	}

	// Verify the compressed payload inflates to the original contents once
	// the sync marker is re-appended.
	compressedLength := binary.LittleEndian.Uint32(data[20:])
	compressed := data[24 : 24+compressedLength]
	stream := append(append([]byte(nil), compressed...), 0x00, 0x00, 0xFF, 0xFF)
	inflater := flate.NewReader(bytes.NewReader(stream))
	contents := make([]byte, 1024)
	if _, err := io.ReadFull(inflater, contents); err != nil {
		t.Fatal("unable to inflate transfer payload:", err)
	}
	if !bytes.Equal(contents, make([]byte, 1024)) {
		t.Error("inflated contents mismatch")
	}

	// Verify the whole-file digest trailer.
	expected := md5.Sum(make([]byte, 1024))
	if !bytes.Equal(data[24+compressedLength:], expected[:]) {
		t.Error("unexpected digest trailer")
	}
}
