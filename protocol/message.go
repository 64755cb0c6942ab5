// Package protocol implements the Jupyter wire protocol framing used
// to talk to a kernel: the message envelope, HMAC-signed multipart
// frame codec, the connection descriptor, and the WebSocket-facing
// binary bundle format. None of it depends on a concrete transport;
// capability.ChannelTransport and capability.ClientSocket plug in
// below this layer.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

// Delimiter separates routing identities from the signed part of a
// wire frame.
const Delimiter = "<IDS|MSG>"

// ProtocolVersion is the Jupyter messaging protocol version this
// bridge speaks.
const ProtocolVersion = "5.3"

// Header is the header or parent_header segment of a protocol
// message. UnknownFields carries any key beyond the six Jupyter
// defines (a kernel-specific extension, or a newer protocol revision
// this bridge doesn't know about yet) so Decode-then-Encode round-trips
// it verbatim instead of silently dropping it.
type Header struct {
	MsgID         string         `json:"msg_id"`
	Session       string         `json:"session"`
	Username      string         `json:"username"`
	Date          string         `json:"date"`
	MsgType       string         `json:"msg_type"`
	Version       string         `json:"version"`
	UnknownFields map[string]any `json:"-"`
}

var headerKnownFields = map[string]bool{
	"msg_id": true, "session": true, "username": true,
	"date": true, "msg_type": true, "version": true,
}

// MarshalJSON flattens UnknownFields alongside the known fields so a
// header decoded off the wire and re-encoded carries every key it
// arrived with.
func (h Header) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(h.UnknownFields)+6)
	for k, v := range h.UnknownFields {
		m[k] = v
	}
	m["msg_id"] = h.MsgID
	m["session"] = h.Session
	m["username"] = h.Username
	m["date"] = h.Date
	m["msg_type"] = h.MsgType
	m["version"] = h.Version
	return json.Marshal(m)
}

// UnmarshalJSON populates the known fields and stashes everything else
// in UnknownFields.
func (h *Header) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	h.MsgID, _ = m["msg_id"].(string)
	h.Session, _ = m["session"].(string)
	h.Username, _ = m["username"].(string)
	h.Date, _ = m["date"].(string)
	h.MsgType, _ = m["msg_type"].(string)
	h.Version, _ = m["version"].(string)

	var unknown map[string]any
	for k, v := range m {
		if headerKnownFields[k] {
			continue
		}
		if unknown == nil {
			unknown = make(map[string]any)
		}
		unknown[k] = v
	}
	h.UnknownFields = unknown
	return nil
}

// Message is a full Jupyter protocol message: the four JSON segments
// plus any trailing binary buffers.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
	Buffers      [][]byte       `json:"-"`
}

// NewMsgID returns a fresh random message id. The teacher's kernel
// package minted ids from time.Now().UnixNano(), which collides under
// the burst of execute_request/input_reply traffic a correlator with
// many concurrently pending requests can produce; a v4 UUID does not.
func NewMsgID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure; extremely unlikely, but NewMsgID must
		// never panic from deep inside a listener goroutine.
		return uuid.Must(uuid.NewV1()).String()
	}
	return id.String()
}

// NewMessage builds a message with a fresh header. parentHeader may be
// the zero Header for messages with no parent.
func NewMessage(msgType, session string, parentHeader Header, content map[string]any) *Message {
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		Header: Header{
			MsgID:    NewMsgID(),
			Session:  session,
			Username: "kbridge",
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		ParentHeader: parentHeader,
		Metadata:     map[string]any{},
		Content:      content,
	}
}

// NewMessageWithID is NewMessage for callers that must pin a specific
// msg_id, e.g. the execution engine honoring a caller-supplied id for
// execute_request instead of minting one.
func NewMessageWithID(msgID, msgType, session string, parentHeader Header, content map[string]any) *Message {
	m := NewMessage(msgType, session, parentHeader, content)
	m.Header.MsgID = msgID
	return m
}

// IsReplyTo reports whether m's parent_header.msg_id matches request's
// header.msg_id, the core correlation invariant of spec property 1.
func IsReplyTo(m *Message, requestMsgID string) bool {
	return m != nil && m.ParentHeader.MsgID == requestMsgID
}
