// Package wire defines the relay protocol shared by the relay server and the
// transport session.
//
// Document updates travel as websocket binary frames and are never inspected
// by the relay. Everything else is a JSON Envelope in a text frame.
package wire

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	// Welcome is sent by the relay to a freshly joined connection and lists the
	// peers already on the document.
	Welcome MessageType = "welcome"
	// PeerJoined and PeerLeft are sent by the relay when the peer set changes.
	PeerJoined MessageType = "peer-joined"
	PeerLeft   MessageType = "peer-left"
	// Presence carries a peer's presence record.
	Presence MessageType = "presence"
	// Peers is both the query (client -> relay) and its answer.
	Peers MessageType = "peers"
	// SyncRequest asks the other peers for their document state.
	SyncRequest MessageType = "sync-request"
	// SyncState answers a SyncRequest with a full document snapshot.
	SyncState MessageType = "sync-state"
)

// PresenceRecord is ephemeral per-connection metadata.
type PresenceRecord struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Cursor *int   `json:"cursor,omitempty"`
}

// Peer identifies one connection on a document group.
type Peer struct {
	ID       string          `json:"id"`
	Presence *PresenceRecord `json:"presence,omitempty"`
}

// Envelope is the JSON control message.
type Envelope struct {
	Type MessageType `json:"type"`
	// From is stamped by the relay with the sending peer id; anything the
	// client puts here is overwritten.
	From string `json:"from,omitempty"`
	// To restricts delivery to one peer. Empty means every other peer.
	To       string          `json:"to,omitempty"`
	Peer     string          `json:"peer,omitempty"`
	Peers    []Peer          `json:"peers,omitempty"`
	Count    int             `json:"count,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	State    []byte          `json:"state,omitempty"`
	Synced   bool            `json:"synced,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", e.Type, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type")
	}
	return e, nil
}
