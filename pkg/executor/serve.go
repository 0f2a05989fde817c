package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/executor/protocol"
)

// Exit reasons reported in EXIT messages.
const (
	ExitReasonShutdown    = "shutdown"
	ExitReasonStdinClosed = "stdin_closed"
	ExitReasonIdle        = "idle_timeout"
	ExitReasonCancelled   = "cancelled"
	ExitReasonError       = "error"
)

// ServeConfig configures the runner side of the protocol.
type ServeConfig struct {
	// Version is reported in READY.
	Version string

	// IdleTimeout ends the session when no request arrives for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// Metadata is reported in READY.
	Metadata map[string]string

	Logger zerolog.Logger
}

// ServeResult summarizes a finished session.
type ServeResult struct {
	Reason   string
	ExitCode int
	Executed int
}

// Serve runs a runner session: it announces READY on w, executes every
// EXEC request read from r with exec, and answers SHUTDOWN with EXIT.
// Output lines produced while a request runs are streamed as LOG messages.
func Serve(ctx context.Context, r io.Reader, w io.Writer, exec engine.Executor, cfg ServeConfig) (ServeResult, error) {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  cfg.Version,
		Protocol: protocol.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Metadata: cfg.Metadata,
	})
	if err != nil {
		return ServeResult{Reason: ExitReasonError, ExitCode: 1}, fmt.Errorf("failed to send READY: %w", err)
	}

	messages := make(chan received)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(messages)
		for {
			msg, err := dec.Decode()
			select {
			case messages <- received{msg: msg, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	result := ServeResult{}
	var serveErr error

loop:
	for {
		select {
		case <-ctx.Done():
			result.Reason = ExitReasonCancelled
			break loop

		case <-idle:
			result.Reason = ExitReasonIdle
			break loop

		case m, ok := <-messages:
			if !ok || errors.Is(m.err, io.EOF) {
				result.Reason = ExitReasonStdinClosed
				break loop
			}
			if m.err != nil {
				result.Reason = ExitReasonError
				result.ExitCode = 1
				serveErr = fmt.Errorf("failed to read request: %w", m.err)
				break loop
			}

			switch m.msg.Type {
			case protocol.MessageTypeShutdown:
				result.Reason = ExitReasonShutdown
				break loop

			case protocol.MessageTypeExec:
				req, err := protocol.DecodeExec(m.msg)
				if err != nil {
					err = enc.EncodeError(&protocol.ErrorMessage{
						Code:    protocol.ErrCodeBadRequest,
						Message: err.Error(),
					})
				} else {
					err = serveExec(ctx, enc, exec, req, cfg.Logger)
					result.Executed++
				}
				if err != nil {
					result.Reason = ExitReasonError
					result.ExitCode = 1
					serveErr = err
					break loop
				}

			default:
				err := enc.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.ErrCodeBadRequest,
					Message: fmt.Sprintf("unexpected message type: %s", m.msg.Type),
				})
				if err != nil {
					result.Reason = ExitReasonError
					result.ExitCode = 1
					serveErr = err
					break loop
				}
			}

			if idleTimer != nil {
				idleTimer.Reset(cfg.IdleTimeout)
			}
		}
	}

	cfg.Logger.Debug().
		Str("reason", result.Reason).
		Int("executed", result.Executed).
		Msg("Runner session finished")

	exitErr := enc.EncodeExit(&protocol.ExitMessage{
		Reason:   result.Reason,
		ExitCode: result.ExitCode,
		Executed: result.Executed,
	})
	return result, errors.Join(serveErr, exitErr)
}

// serveExec runs one request and writes its LOG and DONE messages.
func serveExec(ctx context.Context, enc *protocol.Encoder, exec engine.Executor, req *protocol.ExecMessage, logger zerolog.Logger) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	var logErr error
	ctx = WithOutputHandler(ctx, func(line string) {
		if logErr != nil {
			return
		}
		logErr = enc.EncodeLog(&protocol.LogMessage{
			RequestID: req.RequestID,
			Level:     "info",
			Message:   line,
		})
	})

	logger.Debug().
		Str("operation_id", string(req.Operation.ID)).
		Bool("dry_run", req.DryRun).
		Msg("Executing operation")

	start := time.Now()
	res := exec.Execute(ctx, req.Operation, req.DryRun)
	status := engine.OutcomeSuccess
	if !res.Succeeded() {
		status = engine.OutcomeFailure
	}

	if logErr != nil {
		return fmt.Errorf("failed to send LOG: %w", logErr)
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		RequestID:   req.RequestID,
		OperationID: req.Operation.ID,
		Status:      status,
		Diagnostics: res.Diagnostics,
		Duration:    time.Since(start).Seconds(),
	})
}
