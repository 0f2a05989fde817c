package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/engine"
	"github.com/openfroyo/reconcile/pkg/executor/protocol"
)

const (
	defaultStartupTimeout  = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	// timeoutGrace is added to the operation timeout on the executor side
	// so that the runner gets to report its own timeout first.
	timeoutGrace = 5 * time.Second
)

// Conn is a connection to a running runner process.
type Conn struct {
	// Stdin receives protocol requests.
	Stdin io.WriteCloser
	// Stdout yields protocol responses.
	Stdout io.ReadCloser
	// Wait blocks until the process has exited.
	Wait func() error
	// Kill terminates the process.
	Kill func() error
}

// Launcher starts a runner process.
type Launcher interface {
	Launch(ctx context.Context) (*Conn, error)
}

// ProcessLauncher starts a local runner binary.
type ProcessLauncher struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Stderr receives the runner's standard error. Nil discards it.
	Stderr io.Writer
}

// Launch starts the binary. The process outlives ctx; it is stopped through
// the protocol or Kill.
func (l *ProcessLauncher) Launch(_ context.Context) (*Conn, error) {
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = l.Env
	cmd.Stderr = l.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open runner stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner %s: %w", l.Path, err)
	}

	return &Conn{
		Stdin:  stdin,
		Stdout: stdout,
		Wait:   cmd.Wait,
		Kill:   cmd.Process.Kill,
	}, nil
}

// PluginConfig configures a PluginExecutor.
type PluginConfig struct {
	Launcher Launcher

	// Timeout bounds a single operation. Zero disables the limit.
	Timeout time.Duration

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds the wait for EXIT and process exit.
	ShutdownTimeout time.Duration
}

type received struct {
	msg *protocol.Message
	err error
}

// PluginExecutor executes operations in a runner process. The process is
// started on first use and kept until Close.
type PluginExecutor struct {
	cfg    PluginConfig
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *Conn
	encoder  *protocol.Encoder
	messages chan received
	stop     chan struct{}
	stopOnce sync.Once
	ready    *protocol.ReadyMessage
	executed int
	broken   error
	closed   bool
}

var _ Executor = (*PluginExecutor)(nil)

// NewPluginExecutor creates a plugin executor. No process is started until
// Start or the first Execute.
func NewPluginExecutor(cfg PluginConfig, logger zerolog.Logger) *PluginExecutor {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if pl, ok := cfg.Launcher.(*ProcessLauncher); ok && pl.Stderr == nil {
		stderrLogger := logger.With().Str("executor", "plugin").Str("stream", "stderr").Logger()
		pl.Stderr = newLineWriter(func(line string) {
			stderrLogger.Debug().Msg(line)
		})
	}
	return &PluginExecutor{
		cfg:    cfg,
		logger: logger.With().Str("executor", "plugin").Logger(),
	}
}

// Start launches the runner and waits for its READY message.
func (e *PluginExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start(ctx)
}

func (e *PluginExecutor) start(ctx context.Context) error {
	if e.closed {
		return fmt.Errorf("plugin executor is closed")
	}
	if e.conn != nil {
		return e.broken
	}
	if e.cfg.Launcher == nil {
		return fmt.Errorf("plugin executor has no launcher")
	}

	conn, err := e.cfg.Launcher.Launch(ctx)
	if err != nil {
		return err
	}

	e.conn = conn
	e.encoder = protocol.NewEncoder(conn.Stdin)
	e.messages = make(chan received, 16)
	e.stop = make(chan struct{})
	go e.read(protocol.NewDecoder(conn.Stdout))

	timer := time.NewTimer(e.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		e.fail(fmt.Errorf("runner startup cancelled: %w", ctx.Err()))
	case <-timer.C:
		e.fail(fmt.Errorf("timeout waiting for READY message"))
	case r, ok := <-e.messages:
		switch {
		case !ok:
			e.fail(fmt.Errorf("runner exited before READY"))
		case r.err != nil:
			e.fail(fmt.Errorf("failed to receive READY: %w", r.err))
		case r.msg.Type != protocol.MessageTypeReady:
			e.fail(fmt.Errorf("expected READY, got %s", r.msg.Type))
		default:
			var ready protocol.ReadyMessage
			if err := protocol.ParseData(r.msg.Data, &ready); err != nil {
				e.fail(fmt.Errorf("failed to parse READY: %w", err))
				break
			}
			e.ready = &ready
			e.logger.Debug().
				Str("runner_version", ready.Version).
				Str("protocol", ready.Protocol).
				Int("pid", ready.PID).
				Msg("Runner ready")
		}
	}

	return e.broken
}

// read pumps decoded messages until the stream fails.
func (e *PluginExecutor) read(dec *protocol.Decoder) {
	defer close(e.messages)
	for {
		msg, err := dec.Decode()
		r := received{msg: msg, err: err}
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case e.messages <- r:
		case <-e.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// halt stops the reader goroutine.
func (e *PluginExecutor) halt() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// fail marks the runner unusable and kills it.
func (e *PluginExecutor) fail(err error) {
	if e.broken != nil {
		return
	}
	e.broken = err
	if e.conn != nil && e.conn.Kill != nil {
		_ = e.conn.Kill()
	}
	if e.stop != nil {
		e.halt()
	}
	e.logger.Warn().Err(err).Msg("Runner stopped")
}

// Execute sends the operation to the runner and waits for its result. A
// runner that misbehaves, exits or outlives its timeout is killed and every
// later operation fails.
func (e *PluginExecutor) Execute(ctx context.Context, op engine.Operation, dryRun bool) engine.OperationResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.start(ctx); err != nil {
		return failure("plugin runner unavailable", err.Error())
	}

	waitCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout+timeoutGrace)
		defer cancel()
	}

	req := &protocol.ExecMessage{
		RequestID: uuid.NewString(),
		Operation: op,
		DryRun:    dryRun,
		Timeout:   int(e.cfg.Timeout.Round(time.Second) / time.Second),
	}
	if err := e.encoder.EncodeExec(req); err != nil {
		e.fail(fmt.Errorf("failed to send EXEC: %w", err))
		return failure("plugin runner unavailable", e.broken.Error())
	}

	logger := e.loggerFor(ctx).With().Str("request_id", req.RequestID).Logger()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				e.fail(fmt.Errorf("operation %s cancelled: %w", op.ID, ctx.Err()))
				return failure(fmt.Sprintf("cancelled: %v", ctx.Err()), "")
			}
			e.fail(fmt.Errorf("operation %s did not finish within %s", op.ID, e.cfg.Timeout))
			return failure(fmt.Sprintf("timed out after %s", e.cfg.Timeout), "")

		case r, ok := <-e.messages:
			if !ok {
				e.fail(fmt.Errorf("runner exited during %s", op.ID))
				return failure("plugin runner exited", "")
			}
			if r.err != nil {
				e.fail(fmt.Errorf("failed to read runner response: %w", r.err))
				return failure("plugin runner unavailable", e.broken.Error())
			}

			result, done, err := e.handle(logger, req, r.msg)
			if err != nil {
				e.fail(err)
				return failure("plugin protocol error", err.Error())
			}
			if done {
				e.executed++
				return result
			}
		}
	}
}

// handle processes one response to req. It reports done once the request
// is answered.
func (e *PluginExecutor) handle(logger zerolog.Logger, req *protocol.ExecMessage, msg *protocol.Message) (engine.OperationResult, bool, error) {
	switch msg.Type {
	case protocol.MessageTypeLog:
		var log protocol.LogMessage
		if err := protocol.ParseData(msg.Data, &log); err != nil {
			return engine.OperationResult{}, false, fmt.Errorf("failed to parse LOG: %w", err)
		}
		level, err := zerolog.ParseLevel(log.Level)
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		logger.WithLevel(level).Str("source", "runner").Msg(log.Message)
		return engine.OperationResult{}, false, nil

	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseData(msg.Data, &done); err != nil {
			return engine.OperationResult{}, false, fmt.Errorf("failed to parse DONE: %w", err)
		}
		if done.RequestID != req.RequestID {
			return engine.OperationResult{}, false, fmt.Errorf("request ID mismatch: expected %s, got %s", req.RequestID, done.RequestID)
		}
		if err := done.Validate(); err != nil {
			return engine.OperationResult{}, false, fmt.Errorf("invalid DONE: %w", err)
		}
		return done.Result(), true, nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
			return engine.OperationResult{}, false, fmt.Errorf("failed to parse ERROR: %w", err)
		}
		if errMsg.RequestID != "" && errMsg.RequestID != req.RequestID {
			return engine.OperationResult{}, false, fmt.Errorf("request ID mismatch: expected %s, got %s", req.RequestID, errMsg.RequestID)
		}
		return failure(fmt.Sprintf("runner rejected operation: %s", errMsg.Code), errMsg.Message), true, nil

	default:
		return engine.OperationResult{}, false, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

func (e *PluginExecutor) loggerFor(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.logger
}

// Ready returns the READY message of the running runner, or nil.
func (e *PluginExecutor) Ready() *protocol.ReadyMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Executed returns how many operations the runner answered.
func (e *PluginExecutor) Executed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed
}

// Close asks the runner to shut down and waits for it to exit, killing it
// after the shutdown timeout.
func (e *PluginExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.conn == nil {
		return nil
	}

	defer e.halt()

	var errs []error

	if e.broken == nil {
		if err := e.encoder.EncodeShutdown(&protocol.ShutdownMessage{Reason: "deployment finished"}); err != nil {
			errs = append(errs, fmt.Errorf("failed to send SHUTDOWN: %w", err))
		} else {
			errs = append(errs, e.awaitExit(ctx))
		}
	}

	if err := e.conn.Stdin.Close(); err != nil && e.broken == nil {
		errs = append(errs, fmt.Errorf("failed to close runner stdin: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- e.conn.Wait() }()

	timer := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		if err != nil && e.broken == nil {
			errs = append(errs, fmt.Errorf("runner exited with error: %w", err))
		}
	case <-timer.C:
		_ = e.conn.Kill()
		<-waitErr
		errs = append(errs, fmt.Errorf("runner did not exit within %s", e.cfg.ShutdownTimeout))
	}

	return errors.Join(errs...)
}

// awaitExit drains messages until EXIT arrives or the stream ends.
func (e *PluginExecutor) awaitExit(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timeout waiting for EXIT message")
		case r, ok := <-e.messages:
			if !ok {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("failed to read EXIT: %w", r.err)
			}
			if r.msg.Type != protocol.MessageTypeExit {
				continue
			}
			var exit protocol.ExitMessage
			if err := protocol.ParseData(r.msg.Data, &exit); err != nil {
				return fmt.Errorf("failed to parse EXIT: %w", err)
			}
			e.logger.Debug().
				Str("reason", exit.Reason).
				Int("executed", exit.Executed).
				Msg("Runner exited")
			return nil
		}
	}
}
