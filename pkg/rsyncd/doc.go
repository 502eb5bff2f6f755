// Package rsyncd implements the server side of the rsync daemon wire
// protocol: the session codec and its state machine, the multiplex framing,
// the file-list and transfer encodings, and the TCP front end. It serves
// immutable snapshots provided by the protocol package and performs no
// filesystem access of its own.
package rsyncd
