package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Payload is one variant of the envelope's data, selected by Type.
type Payload interface {
	Kind() Type
	Validate() error
}

type MessagePayload struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Content     string          `json:"content,omitempty"`
	ContentJSON json.RawMessage `json:"contentJson,omitempty"`
	Parent      string          `json:"parent,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
}

func (MessagePayload) Kind() Type { return TypeMessage }

func (p MessagePayload) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

type Reaction struct {
	Reaction  string `json:"reaction"`
	ReactedBy string `json:"reactedBy,omitempty"`
}

type ReactionPayload struct {
	ChannelID string   `json:"channelId,omitempty"`
	MessageID string   `json:"messageId"`
	Reaction  Reaction `json:"reaction"`
	IsRemoved bool     `json:"isRemoved,omitempty"`
}

func (ReactionPayload) Kind() Type { return TypeReaction }

func (p ReactionPayload) Validate() error {
	if p.MessageID == "" {
		return errors.New("messageId is required")
	}
	if p.Reaction.Reaction == "" {
		return errors.New("reaction.reaction is required")
	}
	return nil
}

type ReadPayload struct {
	MessageID string `json:"messageId"`
	ReadAt    string `json:"readAt,omitempty"`
}

func (ReadPayload) Kind() Type { return TypeRead }

func (p ReadPayload) Validate() error {
	if p.MessageID == "" {
		return errors.New("messageId is required")
	}
	return nil
}

type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

func (TypingPayload) Kind() Type      { return TypeTyping }
func (TypingPayload) Validate() error { return nil }

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (PresencePayload) Kind() Type { return TypePresence }

func (p PresencePayload) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if p.Status != StatusOnline && p.Status != StatusOffline {
		return errors.New("status must be online or offline")
	}
	return nil
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// decodePayload returns (nil, nil) for types that carry no data.
func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeMessage:
		return decodeInto[MessagePayload](raw, true)
	case TypeReaction:
		return decodeInto[ReactionPayload](raw, true)
	case TypeRead:
		return decodeInto[ReadPayload](raw, true)
	case TypeTyping:
		return decodeInto[TypingPayload](raw, false)
	case TypePresence:
		return decodeInto[PresencePayload](raw, true)
	}
	return nil, nil
}

func decodeInto[T Payload](raw json.RawMessage, required bool) (Payload, error) {
	var p T
	if isEmpty(raw) {
		if required {
			return nil, errors.New("data is required")
		}
		return nil, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.New("data does not match")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
