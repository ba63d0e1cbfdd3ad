package replicate

import "reflect"

const (
	HandshakeTag uint8 = iota
	HeadsTag
	WantTag
	EntriesTag
)

// Handshake is the first msg sent by both sides of a session.
type Handshake struct {
	PeerID string
	Name   string
	Heads  [][]byte
}

// Heads announces the current heads of the sender.
type Heads struct {
	Hashes [][]byte
}

// Want requests entries, and as many of their ancestors as the responder
// thinks are missing.
type Want struct {
	Hashes [][]byte
}

// WireEntry is an entry as it travels between peers.
type WireEntry struct {
	Hash         []byte
	Predecessors [][]byte
	Payload      []byte
}

// Entries carries entries ordered so that predecessors come first.
type Entries struct {
	Entries []WireEntry
}

var handshake Handshake
var heads Heads
var want Want
var entries Entries

// ReflectedTypesMap is the type map of the replication protocol, to be
// passed to the transport.
var ReflectedTypesMap = map[uint8]reflect.Type{
	HandshakeTag: reflect.TypeOf(handshake),
	HeadsTag:     reflect.TypeOf(heads),
	WantTag:      reflect.TypeOf(want),
	EntriesTag:   reflect.TypeOf(entries),
}
