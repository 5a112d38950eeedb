package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ChannelGateway/tools/errs"
)

// Type is the closed set of envelope kinds exchanged with clients and over the relay.
type Type string

const (
	TypeConnected Type = "connected"
	TypeJoined    Type = "joined"
	TypeMessage   Type = "message"
	TypeTyping    Type = "typing"
	TypeReaction  Type = "reaction"
	TypeRead      Type = "read"
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypePresence  Type = "presence"
	TypeError     Type = "error"
)

// Inbound reports whether clients may send this type to the gateway.
func (t Type) Inbound() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeTyping, TypeMessage, TypeReaction, TypeRead:
		return true
	}
	return false
}

// Relayed reports whether the type fans out across instances through the relay.
func (t Type) Relayed() bool {
	switch t {
	case TypeMessage, TypeReaction, TypeRead:
		return true
	}
	return false
}

// Envelope is the wire unit. Data stays raw on the wire; Payload holds the
// decoded variant for the envelope's Type.
type Envelope struct {
	Type          Type            `json:"type"`
	ID            string          `json:"id,omitempty"`
	ChannelID     string          `json:"channelId,omitempty"`
	WorkspaceSlug string          `json:"workspaceSlug,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`

	Payload Payload `json:"-"`
}

var now = func() int64 { return time.Now().UnixMilli() }

// Decode parses a frame sent by a client. The error carries an errs code and
// errs.Text(err) yields the text to return in an error envelope.
func Decode(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errs.ErrMalformedEnvelope.Wrap()
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, errs.ErrMalformedEnvelope.Wrap()
	}
	if !env.Type.Inbound() {
		return nil, errs.ErrUnknownMessageType.WrapMsg(fmt.Sprintf("Unknown message type: %s", env.Type))
	}
	if env.ChannelID == "" {
		return nil, errs.ErrMalformedEnvelope.WrapMsg("channelId is required")
	}
	// identity fields are assigned by the gateway, never trusted from the client
	env.Origin, env.UserID, env.WorkspaceSlug, env.ClientID = "", "", "", ""
	if err := env.decodePayload(); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeRelay parses an envelope read from the relay or posted by an upstream
// service. Only relay-eligible types are accepted.
func DecodeRelay(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errs.ErrMalformedEnvelope.Wrap()
	}
	if !env.Type.Relayed() {
		return nil, errs.ErrUnknownMessageType.WrapMsg(fmt.Sprintf("Unknown message type: %s", env.Type))
	}
	if env.ChannelID == "" {
		return nil, errs.ErrMalformedEnvelope.WrapMsg("channelId is required")
	}
	if err := env.decodePayload(); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeAny parses whatever the gateway sent. Payloads of known types are
// decoded best effort; unknown types come back with a nil Payload.
func DecodeAny(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errs.ErrMalformedEnvelope.Wrap()
	}
	_ = env.decodePayload()
	return env, nil
}

func (e *Envelope) decodePayload() error {
	p, err := decodePayload(e.Type, e.Data)
	if err != nil {
		return errs.ErrMalformedEnvelope.WrapMsg(fmt.Sprintf("Invalid payload for %s: %s", e.Type, err.Error()))
	}
	e.Payload = p
	return nil
}

// SetPayload stores p as the envelope's data.
func (e *Envelope) SetPayload(p Payload) error {
	if p == nil {
		e.Payload, e.Data = nil, nil
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	e.Payload, e.Data = p, raw
	return nil
}

// Stamp sets the producer timestamp when it is missing.
func (e *Envelope) Stamp() *Envelope {
	if e.Timestamp == 0 {
		e.Timestamp = now()
	}
	return e
}

// Clone returns a shallow copy sharing Data and Payload, both treated as read-only.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// Marshal encodes the envelope for a client. The relay origin never leaves the gateway.
func Marshal(e *Envelope) ([]byte, error) {
	view := *e
	view.Origin = ""
	return json.Marshal(&view)
}

// MarshalRelay encodes the envelope for the relay, origin included.
func MarshalRelay(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}
