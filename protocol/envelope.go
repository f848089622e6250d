// Package protocol defines the JSON messages exchanged between the router and the
// worker. Every message carries a task id; responses are correlated by it alone.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/lexitask/cache"
	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/lexitask/telemetry"
)

// MessageType discriminates envelopes.
type MessageType string

const (
	TypeTask         MessageType = "TASK"
	TypeTaskResult   MessageType = "TASK_RESULT"
	TypeTaskProgress MessageType = "TASK_PROGRESS"
	TypeAdmin        MessageType = "ADMIN"
	TypeAdminResult  MessageType = "ADMIN_RESULT"
)

// IsResponse reports whether the type flows from worker to router.
func (t MessageType) IsResponse() bool {
	return t == TypeTaskResult || t == TypeTaskProgress || t == TypeAdminResult
}

// Envelope is the single wire message type.
type Envelope struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`

	// TASK
	Kind    task.Kind     `json:"kind,omitempty"`
	Payload *task.Payload `json:"payload,omitempty"`

	// TASK_RESULT: exactly one of Result and Error.
	Result    *task.Result   `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind task.ErrorKind `json:"errorKind,omitempty"`
	Meta      *Meta          `json:"meta,omitempty"`

	// TASK_PROGRESS
	Progress *task.Progress `json:"progress,omitempty"`

	// ADMIN / ADMIN_RESULT
	Admin      *AdminRequest `json:"admin,omitempty"`
	AdminReply *AdminReply   `json:"adminReply,omitempty"`
}

// Meta describes how a result was produced.
type Meta struct {
	CacheHit   bool   `json:"cacheHit"`
	Attempts   int    `json:"attempts"`
	Provider   string `json:"provider,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// AdminCommand names a debug console operation.
type AdminCommand string

const (
	AdminStats   AdminCommand = "stats"
	AdminExport  AdminCommand = "export"
	AdminClear   AdminCommand = "clear"
	AdminVerbose AdminCommand = "verbose"
)

// AdminRequest is the body of an ADMIN envelope.
type AdminRequest struct {
	Command AdminCommand `json:"command"`
	Verbose bool         `json:"verbose,omitempty"`
}

// Validate checks the command is known.
func (r AdminRequest) Validate() error {
	switch r.Command {
	case AdminStats, AdminExport, AdminClear, AdminVerbose:
		return nil
	}
	return fmt.Errorf("unknown admin command %q", r.Command)
}

// AdminReply is the body of an ADMIN_RESULT envelope.
type AdminReply struct {
	Stats   *telemetry.Stats  `json:"stats,omitempty"`
	Cache   *cache.Stats      `json:"cache,omitempty"`
	Entries []telemetry.Entry `json:"entries,omitempty"`
	Cleared int               `json:"cleared,omitempty"`
	Verbose bool              `json:"verbose"`
	Error   string            `json:"error,omitempty"`
}

// NewTask builds a TASK envelope.
func NewTask(id string, kind task.Kind, p task.Payload) Envelope {
	return Envelope{Type: TypeTask, TaskID: id, Kind: kind, Payload: &p}
}

// NewAdmin builds an ADMIN envelope.
func NewAdmin(id string, req AdminRequest) Envelope {
	return Envelope{Type: TypeAdmin, TaskID: id, Admin: &req}
}

// ResultFor builds a successful TASK_RESULT.
func ResultFor(id string, res task.Result, meta Meta) Envelope {
	return Envelope{Type: TypeTaskResult, TaskID: id, Result: &res, Meta: &meta}
}

// ErrorFor builds a failed TASK_RESULT carrying the error's stable kind.
func ErrorFor(id string, err error, meta Meta) Envelope {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Envelope{
		Type:      TypeTaskResult,
		TaskID:    id,
		Error:     err.Error(),
		ErrorKind: task.KindOf(err),
		Meta:      &meta,
	}
}

// ProgressFor builds a TASK_PROGRESS envelope.
func ProgressFor(id string, p task.Progress) Envelope {
	return Envelope{Type: TypeTaskProgress, TaskID: id, Progress: &p}
}

// AdminReplyFor builds an ADMIN_RESULT envelope.
func AdminReplyFor(id string, reply AdminReply) Envelope {
	return Envelope{Type: TypeAdminResult, TaskID: id, AdminReply: &reply}
}

// Err rebuilds a classified error from a failed TASK_RESULT. It is nil on success.
func (e Envelope) Err() error {
	if e.Type != TypeTaskResult || e.Result != nil {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = "task failed"
	}
	return &task.Error{Kind: task.ParseErrorKind(string(e.ErrorKind)), Err: errors.New(msg)}
}

// Validate checks the structural rules of an envelope.
func (e Envelope) Validate() error {
	if e.TaskID == "" {
		return errors.New("taskId is required")
	}

	switch e.Type {
	case TypeTask:
		if e.Payload == nil {
			return errors.New("TASK requires a payload")
		}
	case TypeTaskResult:
		hasResult, hasError := e.Result != nil, e.Error != ""
		if hasResult == hasError {
			return errors.New("TASK_RESULT requires exactly one of result and error")
		}
	case TypeTaskProgress:
		if e.Progress == nil {
			return errors.New("TASK_PROGRESS requires progress")
		}
	case TypeAdmin:
		if e.Admin == nil {
			return errors.New("ADMIN requires a command")
		}
		return e.Admin.Validate()
	case TypeAdminResult:
		if e.AdminReply == nil {
			return errors.New("ADMIN_RESULT requires a reply")
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

// Encode marshals an envelope.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates an envelope. On a validation error the returned
// envelope still carries whatever was decoded, so a task id can be answered.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid envelope: %w", err)
	}
	return e, nil
}
