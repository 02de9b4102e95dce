// Package protocol defines the wire protocol exchanged between the relay
// broker and its connections (agents, supervisory clients, and bridges).
//
// Every message is a tagged Envelope, length-prefixed and JSON-encoded on
// the wire (see frame.go). The payload shape is determined by Type.
package protocol

import "encoding/json"

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

// Wildcard is the destination token meaning "every other live agent".
const Wildcard = "*"

// Envelope is the top-level unit of exchange on the wire.
type Envelope struct {
	V           int             `json:"v"`
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	TS          int64           `json:"ts"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadMeta *PayloadMeta    `json:"payload_meta,omitempty"`
	Delivery    *DeliveryInfo   `json:"delivery,omitempty"`
}

// PayloadMeta carries cross-cutting envelope metadata.
type PayloadMeta struct {
	Importance string     `json:"importance,omitempty"`
	TTLMs      int64      `json:"ttl_ms,omitempty"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	Sync       *SyncMeta  `json:"sync,omitempty"`
}

// SyncMeta requests a blocking request/response correlation for a SEND.
type SyncMeta struct {
	Blocking      bool   `json:"blocking,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DeliveryInfo is attached to DELIVER envelopes by the router/delivery engine.
type DeliveryInfo struct {
	Seq         int64  `json:"seq"`
	SessionID   string `json:"session_id"`
	OriginalTo  string `json:"originalTo,omitempty"`
	Shadow      bool   `json:"shadow,omitempty"`
}

// DecodePayload unmarshals env.Payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// New builds an Envelope with an encoded payload. A fire-and-forget
// json.Marshal-then-ignore-error convention would be unsafe here since the
// codec is a shared library entry point, so the error is returned instead.
func New(typ, id, from, to string, ts int64, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      id,
		TS:      ts,
		From:    from,
		To:      to,
		Payload: raw,
	}, nil
}
