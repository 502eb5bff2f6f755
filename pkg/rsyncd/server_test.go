package rsyncd

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/wire"
)

// readFrame reads a single multiplex frame from the reader, asserting that it
// carries the data tag.
func readFrame(t *testing.T, reader *bufio.Reader) []byte {
	t.Helper()
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		t.Fatal("unable to read frame header:", err)
	}
	value := binary.LittleEndian.Uint32(header[:])
	if value>>24 != uint32(wire.MessageTypeData)+7 {
		t.Fatalf("unexpected frame tag: %d", value>>24)
	}
	payload := make([]byte, value&0xFFFFFF)
	if _, err := io.ReadFull(reader, payload); err != nil {
		t.Fatal("unable to read frame payload:", err)
	}
	return payload
}

// writeFrame writes a single data-tagged multiplex frame to the connection.
func writeFrame(t *testing.T, connection net.Conn, payload []byte) {
	t.Helper()
	data := wire.AppendLEUint32(nil, wire.MultiplexHeader(wire.MessageTypeData, len(payload)))
	data = append(data, payload...)
	if _, err := connection.Write(data); err != nil {
		t.Fatal("unable to write frame:", err)
	}
}

func TestServeConnection(t *testing.T) {
	// Build a server over a single-module snapshot.
	module := testModule(t)
	server := NewServer("127.0.0.1:0", 4, []protocol.Module{module}, logging.RootLogger.Sublogger("test"))

	// Wire a synthetic connection to the session driver.
	serverSide, clientSide := net.Pipe()
	clientSide.SetDeadline(time.Now().Add(10 * time.Second))
	defer clientSide.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.serveConnection(serverSide)
	}()
	client := bufio.NewReader(clientSide)

	// Exchange greetings.
	greeting, err := client.ReadString('\n')
	if err != nil {
		t.Fatal("unable to read greeting:", err)
	}
	if greeting != "@RSYNCD: 30.0\n" {
		t.Fatalf("unexpected greeting: %q", greeting)
	}
	if _, err := clientSide.Write([]byte("@RSYNCD: 30.0\n")); err != nil {
		t.Fatal("unable to send handshake:", err)
	}

	// Select the module.
	if _, err := clientSide.Write([]byte("mod\n")); err != nil {
		t.Fatal("unable to send command:", err)
	}
	response, err := client.ReadString('\n')
	if err != nil {
		t.Fatal("unable to read module response:", err)
	}
	if response != "@RSYNCD: OK\n" {
		t.Fatalf("unexpected module response: %q", response)
	}

	// Send arguments and read the setup exchange.
	arguments := "--server\x00--sender\x00-r\x00.\x00mod/\x00\x00"
	if _, err := clientSide.Write([]byte(arguments)); err != nil {
		t.Fatal("unable to send arguments:", err)
	}
	var setup [5]byte
	if _, err := io.ReadFull(client, setup[:]); err != nil {
		t.Fatal("unable to read setup:", err)
	}

	// Terminate the (empty) filter list and read the file list.
	writeFrame(t, clientSide, []byte{0, 0, 0, 0})
	entries, err := DecodeFileList(readFrame(t, client))
	if err != nil {
		t.Fatal("unable to decode file list:", err)
	}
	if len(entries) != 4 {
		t.Fatalf("unexpected file list size: %d", len(entries))
	}
	if entries[0].Name != "mod" || !entries[0].Directory {
		t.Error("unexpected first entry:", entries[0])
	}
	if entries[1].Name != "mod/a.bin" || entries[1].Size != 1024 {
		t.Error("unexpected second entry:", entries[1])
	}

	// Request the first file: a delta index of 1 followed by an empty
	// checksum request.
	request := append([]byte{0x01}, make([]byte, 16)...)
	writeFrame(t, clientSide, request)
	transfer := readFrame(t, client)
	if binary.LittleEndian.Uint32(transfer) != 1 {
		t.Error("unexpected transfer index")
	}

	// Finish the session and observe the end-of-phase markers and close.
	writeFrame(t, clientSide, []byte{0x00})
	if payload := readFrame(t, client); !bytes.Equal(payload, []byte{0}) {
		t.Error("unexpected first end-of-phase marker")
	}
	if payload := readFrame(t, client); !bytes.Equal(payload, []byte{0}) {
		t.Error("unexpected second end-of-phase marker")
	}
	if _, err := client.ReadByte(); err != io.EOF {
		t.Error("expected connection close, got:", err)
	}
	<-done
}

func TestServeConnectionUnknownModule(t *testing.T) {
	module := testModule(t)
	server := NewServer("127.0.0.1:0", 4, []protocol.Module{module}, logging.RootLogger.Sublogger("test"))

	serverSide, clientSide := net.Pipe()
	clientSide.SetDeadline(time.Now().Add(10 * time.Second))
	defer clientSide.Close()
	go server.serveConnection(serverSide)
	client := bufio.NewReader(clientSide)

	if _, err := client.ReadString('\n'); err != nil {
		t.Fatal("unable to read greeting:", err)
	}
	if _, err := clientSide.Write([]byte("@RSYNCD: 30.0\nother\n")); err != nil {
		t.Fatal("unable to send handshake and command:", err)
	}
	response, err := client.ReadString('\n')
	if err != nil {
		t.Fatal("unable to read response:", err)
	}
	if response != "@ERROR: unknown module 'other'\n" {
		t.Fatalf("unexpected response: %q", response)
	}
	if _, err := client.ReadByte(); err != io.EOF {
		t.Error("expected connection close, got:", err)
	}
}

func TestServeConnectionModuleListing(t *testing.T) {
	module := testModule(t)
	server := NewServer("127.0.0.1:0", 4, []protocol.Module{module}, logging.RootLogger.Sublogger("test"))

	serverSide, clientSide := net.Pipe()
	clientSide.SetDeadline(time.Now().Add(10 * time.Second))
	defer clientSide.Close()
	go server.serveConnection(serverSide)
	client := bufio.NewReader(clientSide)

	if _, err := client.ReadString('\n'); err != nil {
		t.Fatal("unable to read greeting:", err)
	}
	if _, err := clientSide.Write([]byte("@RSYNCD: 30.0\n#list\n")); err != nil {
		t.Fatal("unable to send handshake and command:", err)
	}
	listing, err := io.ReadAll(client)
	if err != nil {
		t.Fatal("unable to read listing:", err)
	}
	lines := bytes.Split(bytes.TrimSuffix(listing, []byte("\n")), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("unexpected listing line count: %d", len(lines))
	}
	if !bytes.HasPrefix(lines[0], []byte("mod")) || !bytes.Contains(lines[0], []byte("test module")) {
		t.Errorf("unexpected listing line: %q", lines[0])
	}
	if !bytes.Equal(lines[1], []byte("@RSYNCD: EXIT")) {
		t.Errorf("unexpected terminator line: %q", lines[1])
	}
}
