package rsyncd

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/wire"
)

// File-list entries are encoded as a flags byte, the entry name (with
// same-prefix elision against the previous entry's name), the size, and the
// modification time. A zero flags byte terminates the list. All multi-byte
// fields are little-endian.
const (
	// entryFlagPresent is set on every entry so that no entry's flags byte
	// collides with the list terminator.
	entryFlagPresent = 0x80
	// entryFlagDirectory marks directory entries.
	entryFlagDirectory = 0x01
	// entryFlagSameName indicates that a one-byte shared-prefix length
	// precedes the name suffix.
	entryFlagSameName = 0x02
	// entryFlagLongName indicates that the name suffix length is a 4-byte
	// little-endian value rather than a single byte.
	entryFlagLongName = 0x04
)

// EncodeFileList encodes a file list for transmission. The output is
// deterministic for a given list.
func EncodeFileList(list *protocol.FileList) []byte {
	var data []byte
	var previous string
	for _, file := range list.Files() {
		name := file.Name()

		// Compute the shared prefix with the previous entry's name.
		shared := 0
		limit := len(previous)
		if len(name) < limit {
			limit = len(name)
		}
		if limit > 255 {
			limit = 255
		}
		for shared < limit && name[shared] == previous[shared] {
			shared += 1
		}
		suffix := name[shared:]

		// Compute the flags byte.
		flags := byte(entryFlagPresent)
		if file.IsDirectory() {
			flags |= entryFlagDirectory
		}
		if shared > 0 {
			flags |= entryFlagSameName
		}
		if len(suffix) > 255 {
			flags |= entryFlagLongName
		}

		// Encode the entry.
		data = append(data, flags)
		if shared > 0 {
			data = append(data, byte(shared))
		}
		if len(suffix) > 255 {
			data = wire.AppendLEUint32(data, uint32(len(suffix)))
		} else {
			data = append(data, byte(len(suffix)))
		}
		data = append(data, suffix...)
		data = wire.AppendLEUint32(data, uint32(file.Size()))
		data = wire.AppendLEUint32(data, uint32(file.LastModifiedTime()))
		previous = name
	}

	// Terminate the list.
	return append(data, 0)
}

// DecodedEntry is a single entry recovered from an encoded file list.
type DecodedEntry struct {
	// Name is the entry's full path.
	Name string
	// Size is the entry's size in bytes.
	Size uint32
	// ModifiedTime is the entry's modification time in seconds since the
	// epoch.
	ModifiedTime uint32
	// Directory indicates whether or not the entry is a directory.
	Directory bool
}

// DecodeFileList decodes an encoded file list. It is the receiving half of
// EncodeFileList.
func DecodeFileList(data []byte) ([]DecodedEntry, error) {
	var entries []DecodedEntry
	var previous string
	for {
		if len(data) < 1 {
			return nil, errors.New("truncated file list")
		}
		flags := data[0]
		data = data[1:]
		if flags == 0 {
			return entries, nil
		}

		var shared int
		if flags&entryFlagSameName != 0 {
			if len(data) < 1 {
				return nil, errors.New("truncated shared-prefix length")
			}
			shared = int(data[0])
			data = data[1:]
		}
		if shared > len(previous) {
			return nil, errors.New("shared prefix exceeds previous name")
		}

		var suffixLength int
		if flags&entryFlagLongName != 0 {
			if len(data) < 4 {
				return nil, errors.New("truncated name length")
			}
			suffixLength = int(binary.LittleEndian.Uint32(data))
			data = data[4:]
		} else {
			if len(data) < 1 {
				return nil, errors.New("truncated name length")
			}
			suffixLength = int(data[0])
			data = data[1:]
		}
		if len(data) < suffixLength+8 {
			return nil, errors.New("truncated entry")
		}

		name := previous[:shared] + string(data[:suffixLength])
		data = data[suffixLength:]
		entries = append(entries, DecodedEntry{
			Name:         name,
			Size:         binary.LittleEndian.Uint32(data),
			ModifiedTime: binary.LittleEndian.Uint32(data[4:]),
			Directory:    flags&entryFlagDirectory != 0,
		})
		data = data[8:]
		previous = name
	}
}

// EncodeTransfer encodes the transfer payload for a single generator request:
// the echoed file index, a sum header declaring a whole-file transfer (no
// block matching against a client basis), the precomputed deflated contents,
// and the full-file MD5 trailer.
func EncodeTransfer(index int32, file *protocol.File) []byte {
	compressed := file.CompressedContents()
	data := make([]byte, 0, 4+16+4+len(compressed)+len(file.Checksum()))
	data = wire.AppendLEUint32(data, uint32(index))

	// Sum header: block count, block length, strong-sum length, remainder.
	data = wire.AppendLEUint32(data, 0)
	data = wire.AppendLEUint32(data, 0)
	data = wire.AppendLEUint32(data, 16)
	data = wire.AppendLEUint32(data, 0)

	// Deflated contents, length-prefixed, followed by the whole-file digest.
	data = wire.AppendLEUint32(data, uint32(len(compressed)))
	data = append(data, compressed...)
	data = append(data, file.Checksum()...)
	return data
}
