package protocol

import "time"

// InboundMessage is a bot reply published by the host runtime before it is
// delivered to the user.
type InboundMessage struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Trigger   string `json:"trigger,omitempty"`
	IsCommand bool   `json:"is_command,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// UnitKind distinguishes the two outbound unit types.
type UnitKind string

const (
	UnitText  UnitKind = "text"
	UnitAudio UnitKind = "audio"
)

// OutboundUnit is one ordered piece of a dispatched reply.
type OutboundUnit struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Kind      UnitKind  `json:"kind"`
	Content   string    `json:"content,omitempty"`
	AudioPath string    `json:"audio_path,omitempty"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRequest invokes a chat command such as ttson or ttsprob.
type CommandRequest struct {
	SessionID string   `json:"session_id"`
	Name      string   `json:"name"`
	Args      []string `json:"args,omitempty"`
}

type CommandReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// DispatchSummary reports how an inbound message was handled.
type DispatchSummary struct {
	SessionID         string `json:"session_id"`
	Skipped           bool   `json:"skipped,omitempty"`
	Spoke             bool   `json:"spoke"`
	Units             int    `json:"units"`
	SynthesisFailures int    `json:"synthesis_failures"`
	Error             string `json:"error,omitempty"`
}

const (
	SubjectInbound  = "speak.inbound"
	SubjectOutbound = "speak.outbound"
	SubjectCommand  = "speak.command"
)
