package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openfroyo/reconcile/pkg/engine"
)

func testOperation() engine.Operation {
	return engine.Operation{
		ID:        "zookeeper_server_start",
		Service:   "zookeeper",
		Component: "server",
		Action:    engine.ActionStart,
		Command:   "systemctl start zookeeper",
	}
}

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data: &ReadyMessage{
				Version:  "1.0.0",
				Protocol: Version,
				Platform: "linux",
				Arch:     "amd64",
				PID:      1234,
			},
		},
		{
			name:    "encode exec message",
			msgType: MessageTypeExec,
			data: &ExecMessage{
				RequestID: "req-1",
				Operation: testOperation(),
				DryRun:    true,
			},
		},
		{
			name:    "encode log message",
			msgType: MessageTypeLog,
			data:    &LogMessage{RequestID: "req-1", Level: "info", Message: "starting"},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data: &DoneMessage{
				RequestID:   "req-1",
				OperationID: "zookeeper_server_start",
				Status:      engine.OutcomeSuccess,
				Duration:    1.5,
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{RequestID: "req-1", Code: ErrCodeBadRequest, Message: "bad"},
		},
		{
			name:    "encode shutdown message",
			msgType: MessageTypeShutdown,
			data:    &ShutdownMessage{Reason: "deployment finished"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "shutdown", Executed: 5},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") {
				t.Errorf("output is not newline terminated: %q", buf.String())
			}
			var msg Message
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestEncoder_ValidatesPayloads(t *testing.T) {
	enc := NewEncoder(io.Discard)

	if err := enc.EncodeExec(&ExecMessage{Operation: testOperation()}); err == nil {
		t.Error("EncodeExec() without request ID should fail")
	}
	if err := enc.EncodeLog(&LogMessage{RequestID: "req-1", Level: "loud"}); err == nil {
		t.Error("EncodeLog() with unknown level should fail")
	}
	if err := enc.EncodeDone(&DoneMessage{RequestID: "req-1", Status: engine.OutcomeSkipped}); err == nil {
		t.Error("EncodeDone() with skipped status should fail")
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2024-01-01T00:00:00Z","data":{"version":"1.0.0","protocol":"1","platform":"linux","arch":"amd64","pid":1234}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode exec message",
			input:   `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","operation":{"id":"a_b_start","service":"a","component":"b","action":"start"}}}`,
			msgType: MessageTypeExec,
		},
		{
			name:    "decode log message",
			input:   `{"type":"LOG","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","level":"info","message":"line"}}`,
			msgType: MessageTypeLog,
		},
		{
			name:    "unknown type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

func TestDecodeExec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		dryRun  bool
	}{
		{
			name:   "valid request",
			input:  `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","dry_run":true,"timeout":30,"operation":{"id":"a_b_start","service":"a","component":"b","action":"start"}}}`,
			dryRun: true,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"LOG","timestamp":"2024-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing request id",
			input:   `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z","data":{"operation":{"id":"a_b_start","action":"start"}}}`,
			wantErr: true,
		},
		{
			name:    "invalid action",
			input:   `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","operation":{"id":"a_b_x","action":"explode"}}}`,
			wantErr: true,
		},
		{
			name:    "negative timeout",
			input:   `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z","data":{"request_id":"req-1","timeout":-1,"operation":{"id":"a_b_start","action":"start"}}}`,
			wantErr: true,
		},
		{
			name:    "no data",
			input:   `{"type":"EXEC","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			exec, err := DecodeExec(msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeExec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && exec.DryRun != tt.dryRun {
				t.Errorf("DryRun = %v, want %v", exec.DryRun, tt.dryRun)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeExec(&ExecMessage{RequestID: "req-1", Operation: testOperation(), Timeout: 5}); err != nil {
		t.Fatalf("EncodeExec() error = %v", err)
	}
	if err := enc.EncodeDone(&DoneMessage{
		RequestID:   "req-1",
		OperationID: "zookeeper_server_start",
		Status:      engine.OutcomeFailure,
		Diagnostics: "exit status 3",
	}); err != nil {
		t.Fatalf("EncodeDone() error = %v", err)
	}

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	exec, err := DecodeExec(msg)
	if err != nil {
		t.Fatalf("DecodeExec() error = %v", err)
	}
	if exec.Operation.Command != "systemctl start zookeeper" || exec.Operation.Action != engine.ActionStart {
		t.Errorf("operation = %+v", exec.Operation)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var done DoneMessage
	if err := ParseData(msg.Data, &done); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	result := done.Result()
	if result.Succeeded() || result.Diagnostics != "exit status 3" {
		t.Errorf("Result() = %+v", result)
	}
}
