// Package protocol defines the nostr wire format used by nostrlink:
// signed events, subscription filters, relay frames and the NIP-46
// remote-signing request/response bodies.
// This package is importable by other clients and has no internal dependencies.
package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// Event is a signed nostr event (NIP-01).
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"` // unix seconds
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tags is the ordered tag list of an event. Each tag is [name, value, ...].
type Tags [][]string

// Find returns the first tag with the given name, or nil.
func (t Tags) Find(name string) []string {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}

// Values returns the first value of every tag with the given name.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if len(tag) > 1 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// NewEvent returns an unsigned event stamped with the current time.
func NewEvent(kind int, content string, tags Tags) *Event {
	if tags == nil {
		tags = Tags{}
	}
	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Serialize returns the NIP-01 commitment [0,pubkey,created_at,kind,tags,content]
// whose sha256 is the event id.
func (e *Event) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(`[0,"`)
	buf.WriteString(e.PubKey)
	buf.WriteString(`",`)
	buf.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(e.Kind))
	buf.WriteByte(',')

	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	buf.Write(marshalNoEscape(tags))
	buf.WriteByte(',')
	buf.Write(marshalNoEscape(e.Content))
	buf.WriteByte(']')
	return buf.Bytes()
}

// ComputeID returns the hex sha256 of the serialized event.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// marshalNoEscape encodes v as JSON without HTML escaping of <, > and &,
// matching the escaping rules relays and signers use for ids.
func marshalNoEscape(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte("null")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
