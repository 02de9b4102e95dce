package protocol

import "encoding/json"

// Envelope type tags (spec §6).
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeBye     = "BYE"
	TypePing    = "PING"
	TypePong    = "PONG"

	TypeSend   = "SEND"
	TypeDeliver = "DELIVER"
	TypeAck    = "ACK"
	TypeNack   = "NACK"

	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"

	TypeChannelJoin  = "CHANNEL_JOIN"
	TypeChannelLeave = "CHANNEL_LEAVE"

	TypeShadowBind   = "SHADOW_BIND"
	TypeShadowUnbind = "SHADOW_UNBIND"

	TypeLog = "LOG"

	TypeSpawn       = "SPAWN"
	TypeSpawnResult = "SPAWN_RESULT"
	TypeRelease     = "RELEASE"
	TypeReleaseResult = "RELEASE_RESULT"

	TypeError = "ERROR"
	TypeBusy  = "BUSY"
)

// Error codes (spec §6, selection).
const (
	ErrNameInUse          = "NAME_IN_USE"
	ErrDuplicateHello     = "DUPLICATE_HELLO"
	ErrFrameTooLarge      = "FRAME_TOO_LARGE"
	ErrMalformedFrame     = "MALFORMED_FRAME"
	ErrHandshakeTimeout   = "HANDSHAKE_TIMEOUT"
	ErrResumeTooOld       = "RESUME_TOO_OLD"
	ErrUnknownDestination = "UNKNOWN_DESTINATION"
	ErrDestinationOffline = "DESTINATION_OFFLINE"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrAckTimeout         = "ACK_TIMEOUT"
	ErrInternal           = "INTERNAL_ERROR"
)

// EntityType distinguishes automated agents from human supervisory clients.
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityUser  EntityType = "user"
)

// Capabilities is negotiated on HELLO/WELCOME.
type Capabilities struct {
	Resumable bool `json:"resumable,omitempty"`
	Channels  bool `json:"channels,omitempty"`
	Shadowing bool `json:"shadowing,omitempty"`
}

// HelloPayload is sent by a connecting peer immediately after the socket opens.
type HelloPayload struct {
	Name         string       `json:"name"`
	Entity       EntityType   `json:"entity"`
	CLIKind      string       `json:"cli_kind,omitempty"`
	Program      string       `json:"program,omitempty"`
	Model        string       `json:"model,omitempty"`
	Task         string       `json:"task,omitempty"`
	Cwd          string       `json:"cwd,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
	Avatar       string       `json:"avatar,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	ResumeToken  string       `json:"resume_token,omitempty"`
}

// ServerLimits are announced in WELCOME.
type ServerLimits struct {
	MaxFrameBytes int   `json:"max_frame_bytes"`
	HeartbeatMs   int64 `json:"heartbeat_ms"`
}

// WelcomePayload acknowledges a handshake.
type WelcomePayload struct {
	SessionID   string       `json:"session_id"`
	ResumeToken string       `json:"resume_token,omitempty"`
	Limits      ServerLimits `json:"limits"`
	Resumed     bool         `json:"resumed"`
}

// ByePayload optionally carries a reason for a graceful close.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// PingPayload/PongPayload carry a liveness nonce.
type PingPayload struct {
	Nonce string `json:"nonce"`
}

type PongPayload struct {
	Nonce string `json:"nonce"`
}

// SendPayload is a deliverable message submitted by a client.
type SendPayload struct {
	Kind   string          `json:"kind"`
	Body   string          `json:"body"`
	Data   json.RawMessage `json:"data,omitempty"`
	Thread string          `json:"thread,omitempty"`
}

// AckPayload acknowledges a DELIVER.
type AckPayload struct {
	AckID         string `json:"ack_id"`
	Seq           int64  `json:"seq"`
	CorrelationID string `json:"correlationId,omitempty"`
	Response      string `json:"response,omitempty"` // "OK" | "ERROR"
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// NackPayload rejects a DELIVER.
type NackPayload struct {
	AckID  string `json:"ack_id"`
	Reason string `json:"reason"`
}

// SubscribePayload / UnsubscribePayload manage topic subscriptions.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

type UnsubscribePayload struct {
	Topic string `json:"topic"`
}

// ChannelJoinPayload / ChannelLeavePayload manage channel membership.
type ChannelJoinPayload struct {
	Channel string `json:"channel"`
}

type ChannelLeavePayload struct {
	Channel string `json:"channel"`
}

// SpeakOn enumerates when a shadow binding is allowed to itself emit SEND.
type SpeakOn string

const (
	SpeakOnExplicitAsk SpeakOn = "EXPLICIT_ASK"
)

// ShadowBindPayload establishes a shadow -> primary mirroring edge.
type ShadowBindPayload struct {
	Primary          string    `json:"primary"`
	ReceiveIncoming  bool      `json:"receive_incoming,omitempty"`
	ReceiveOutgoing  bool      `json:"receive_outgoing,omitempty"`
	SpeakOn          []SpeakOn `json:"speak_on,omitempty"`
}

type ShadowUnbindPayload struct {
	Primary string `json:"primary"`
}

// LogPayload streams PTY output for dashboards/monitors.
type LogPayload struct {
	Name   string `json:"name"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Data   string `json:"data"`
}

// SpawnPayload requests a new supervised child.
type SpawnPayload struct {
	Name          string   `json:"name"`
	CLI           string   `json:"cli"`
	Task          string   `json:"task"`
	Cwd           string   `json:"cwd,omitempty"`
	Spawner       string   `json:"spawner,omitempty"`
	Interactive   bool     `json:"interactive,omitempty"`
	ShadowOf      string   `json:"shadow_of,omitempty"`
	ShadowSpeakOn []SpeakOn `json:"shadow_speak_on,omitempty"`
}

// SpawnResultPayload replies to a SPAWN.
type SpawnResultPayload struct {
	ReplyTo string `json:"reply_to"`
	Success bool   `json:"success"`
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReleasePayload requests a supervised child be released.
type ReleasePayload struct {
	Name string `json:"name"`
}

// ReleaseResultPayload replies to a RELEASE.
type ReleaseResultPayload struct {
	ReplyTo string `json:"reply_to"`
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
}

// ErrorPayload reports a protocol or routing error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
	MsgID   string `json:"msg_id,omitempty"`
}

// BusyPayload signals back-pressure to the sender.
type BusyPayload struct {
	Reason string `json:"reason,omitempty"`
}
