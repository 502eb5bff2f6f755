package wire

import (
	"bytes"
	"testing"
)

func TestBufferFeedAndNext(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte("hello"))
	buffer.Feed([]byte(" world"))

	if buffer.Len() != 11 {
		t.Fatal("unexpected buffer length:", buffer.Len())
	}
	data, ok := buffer.Next(5)
	if !ok || !bytes.Equal(data, []byte("hello")) {
		t.Error("unexpected data from Next")
	}
	if buffer.Len() != 6 {
		t.Error("unexpected remaining length:", buffer.Len())
	}
}

func TestBufferNextInsufficient(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte("ab"))
	if _, ok := buffer.Next(3); ok {
		t.Fatal("Next succeeded with insufficient data")
	}
	if buffer.Len() != 2 {
		t.Error("failed Next consumed data")
	}
}

func TestBufferMarkRewind(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte("abcdef"))
	buffer.Mark()
	buffer.Next(4)
	buffer.Rewind()
	if buffer.Len() != 6 {
		t.Fatal("rewind did not restore the read cursor")
	}
	data, _ := buffer.Next(3)
	if !bytes.Equal(data, []byte("abc")) {
		t.Error("unexpected data after rewind")
	}
}

func TestBufferCompactionPreservesUnconsumed(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte("abcdef"))
	buffer.Next(4)
	buffer.Feed([]byte("gh"))
	data, ok := buffer.Next(4)
	if !ok || !bytes.Equal(data, []byte("efgh")) {
		t.Error("compaction lost unconsumed data")
	}
}

func TestBufferIndexOfByte(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte("abc\ndef"))
	if index := buffer.IndexOfByte('\n', 16); index != 3 {
		t.Error("unexpected delimiter index:", index)
	}
	if index := buffer.IndexOfByte('\n', 3); index != -1 {
		t.Error("delimiter found outside the search window")
	}
	if index := buffer.IndexOfByte('x', 16); index != -1 {
		t.Error("nonexistent delimiter found")
	}
}

func TestBufferPeekAndReadByte(t *testing.T) {
	var buffer Buffer
	buffer.Feed([]byte{0x42})
	if c, ok := buffer.PeekByte(); !ok || c != 0x42 {
		t.Error("unexpected peek result")
	}
	if buffer.Len() != 1 {
		t.Error("peek consumed data")
	}
	if c, ok := buffer.ReadByte(); !ok || c != 0x42 {
		t.Error("unexpected read result")
	}
	if _, ok := buffer.ReadByte(); ok {
		t.Error("read succeeded on empty buffer")
	}
}
