// Package protocol defines the request/response wire contract between
// the daemon and its local clients, the dual JSON/CBOR codec, and the
// one-shot unix socket server and client.
//
// Framing is deliberately minimal: a connection carries exactly one
// encoded request, the client half-closes, the daemon answers with one
// encoded value in the same encoding and closes. The encoding is
// sniffed per message, never negotiated.
package protocol

import (
	"fmt"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
)

// Request operations. Simple operations travel as a bare string
// ("GetStats"); SetControl travels as a single-key map carrying its
// arguments.
const (
	OpGetStats     = "GetStats"
	OpGetMeta      = "GetMeta"
	OpListControls = "ListControls"
	OpGetHealth    = "GetHealth"
	OpSetControl   = "SetControl"
)

// Error codes returned in ErrorInfo. Closed set; clients switch on
// these, not on messages.
const (
	CodeInvalidControl = "invalid_control"
	CodeControlError   = "control_error"
	CodeAuthFailed     = "auth_failed"
	CodeLockError      = "lock_error"
)

// Request is one client request. Op is always set; the remaining
// fields are only meaningful for SetControl.
type Request struct {
	Op      string
	Control string
	Value   string
	Token   string
}

// setControlBody is the wire shape of SetControl's arguments.
type setControlBody struct {
	Control string  `json:"control"`
	Value   string  `json:"value"`
	Token   *string `json:"token"`
}

// Validate rejects operations outside the closed request set.
func (r Request) Validate() error {
	switch r.Op {
	case OpGetStats, OpGetMeta, OpListControls, OpGetHealth, OpSetControl:
		return nil
	}
	return fmt.Errorf("unknown request op %q", r.Op)
}

// Response is one daemon reply. Exactly one field is set, giving the
// single-key map shape on the wire for both encodings.
type Response struct {
	Stats        *StatsPayload        `json:"Stats,omitempty"`
	Meta         *hardware.Meta       `json:"Meta,omitempty"`
	Controls     []ControlInfo        `json:"Controls,omitempty"`
	Health       *health.DaemonHealth `json:"Health,omitempty"`
	ControlState *ControlInfo         `json:"ControlState,omitempty"`
	Error        *ErrorInfo           `json:"Error,omitempty"`
}

// StatsPayload wraps a snapshot with the label of the adapter that
// produced it. Data is nil before the collector's first refresh only
// when no synthetic default was installed.
type StatsPayload struct {
	Source string           `json:"source"`
	Data   *parser.Snapshot `json:"data"`
}

// ControlInfo describes one controllable dimension: identity, current
// ground-truth value, and the validation surface (either an enumerated
// option list or a numeric range).
type ControlInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Value        string   `json:"value"`
	Options      []string `json:"options"`
	Readonly     bool     `json:"readonly"`
	Min          *uint32  `json:"min"`
	Max          *uint32  `json:"max"`
	Step         *uint32  `json:"step"`
	RequiresSudo bool     `json:"requires_sudo"`
	Supported    bool     `json:"supported"`
	Unit         *string  `json:"unit"`
}

// ErrorInfo is the structured error surfaced to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an ErrorInfo with a formatted message.
func Errorf(code, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}
