// Package protocol defines the JSON-lines protocol spoken between the
// plugin executor and an operation runner process over its stdin and
// stdout.
//
// A session is:
//
//	runner -> READY
//	executor -> EXEC      (repeated, one at a time)
//	runner -> LOG*        (zero or more per request)
//	runner -> DONE | ERROR
//	executor -> SHUTDOWN
//	runner -> EXIT
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Version is the protocol revision. Runners report it in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive requests
	MessageTypeReady MessageType = "READY"
	// MessageTypeExec asks the runner to execute one operation
	MessageTypeExec MessageType = "EXEC"
	// MessageTypeLog carries a line of output for the current request
	MessageTypeLog MessageType = "LOG"
	// MessageTypeDone reports the result of an operation
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a request the runner could not handle
	MessageTypeError MessageType = "ERROR"
	// MessageTypeShutdown asks the runner to exit
	MessageTypeShutdown MessageType = "SHUTDOWN"
	// MessageTypeExit is the last message a runner writes
	MessageTypeExit MessageType = "EXIT"
)

// Error codes carried by ERROR messages.
const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeInternal   = "INTERNAL"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the runner starts.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Protocol string            `json:"protocol"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecMessage requests the execution of one operation.
type ExecMessage struct {
	RequestID string           `json:"request_id"`
	Operation engine.Operation `json:"operation"`
	DryRun    bool             `json:"dry_run"`
	Timeout   int              `json:"timeout,omitempty"` // seconds, 0 = no limit
}

// LogMessage streams output produced while a request runs.
type LogMessage struct {
	RequestID string `json:"request_id"`
	Level     string `json:"level"` // debug, info, warn, error
	Message   string `json:"message"`
}

// DoneMessage carries the result of an EXEC request.
type DoneMessage struct {
	RequestID   string              `json:"request_id"`
	OperationID engine.OperationID  `json:"operation_id"`
	Status      engine.OutcomeState `json:"status"`
	Diagnostics string              `json:"diagnostics,omitempty"`
	Duration    float64             `json:"duration"` // seconds
}

// ErrorMessage reports a request the runner rejected without executing it.
type ErrorMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ShutdownMessage asks the runner to finish.
type ShutdownMessage struct {
	Reason string `json:"reason,omitempty"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
	Executed int    `json:"executed"`
}

// Result converts a DONE message into an executor result.
func (d *DoneMessage) Result() engine.OperationResult {
	return engine.OperationResult{Status: d.Status, Diagnostics: d.Diagnostics}
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeExec, MessageTypeLog,
		MessageTypeDone, MessageTypeError, MessageTypeShutdown, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the exec request is valid.
func (m *ExecMessage) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if m.Operation.ID == "" {
		return fmt.Errorf("operation ID is required")
	}
	if err := m.Operation.Action.Validate(); err != nil {
		return err
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks the log message and defaults its level to info.
func (m *LogMessage) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if m.Level == "" {
		m.Level = "info"
	}
	switch m.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s", m.Level)
	}
}

// Validate checks that the result carries a terminal operation status.
func (m *DoneMessage) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if m.Status != engine.OutcomeSuccess && m.Status != engine.OutcomeFailure {
		return fmt.Errorf("invalid status: %q", m.Status)
	}
	return nil
}
