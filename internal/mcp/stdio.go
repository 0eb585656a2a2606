package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nugget/mcphost/internal/config"
)

// DefaultShutdownGrace is how long Shutdown waits for a subprocess to
// exit after its stdin is closed before killing it.
const DefaultShutdownGrace = 5 * time.Second

// StreamTransport exchanges newline-delimited JSON-RPC messages over an
// arbitrary reader/writer pair. [StdioTransport] wraps it around a
// subprocess; tests use it directly over pipes.
type StreamTransport struct {
	logger *slog.Logger
	in     *inbox

	// wtok holds the single write token. A write that outlives its
	// caller's context keeps the token until it finishes.
	wtok chan struct{}
	w    io.WriteCloser

	readDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport starts reading messages from r immediately. Each
// message written to w is followed by a newline.
func NewStreamTransport(r io.Reader, w io.WriteCloser, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StreamTransport{
		logger:   logger,
		in:       newInbox(),
		wtok:     make(chan struct{}, 1),
		w:        w,
		readDone: make(chan struct{}),
	}
	go t.read(r)
	return t
}

// read is the only goroutine that touches r.
func (t *StreamTransport) read(r io.Reader) {
	defer close(t.readDone)

	reader := bufio.NewReaderSize(r, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if payload := bytes.TrimSpace(line); len(payload) > 0 {
			t.logger.Log(context.Background(), config.LevelTrace, "mcp recv", "payload", string(payload))
			msg, cerr := Classify(payload)
			ev := event{msg: msg}
			if cerr != nil {
				ev = event{err: serializationError(cerr)}
			}
			if !t.in.push(ev) {
				return
			}
		}
		if err != nil {
			if t.in.isClosed() {
				return
			}
			if err == io.EOF {
				err = fmt.Errorf("read: %w", ErrDisconnected)
			} else {
				err = fmt.Errorf("read: %w", err)
			}
			t.in.fail(ioError(err))
			return
		}
	}
}

// Send writes msg followed by a newline. Concurrent calls are serialised
// so two messages never interleave. Send returns once ctx is done or the
// transport is shut down, even if the peer has stopped reading; the
// abandoned write completes or fails in the background.
func (t *StreamTransport) Send(ctx context.Context, msg Message) error {
	if t.in.isClosed() {
		return closedError
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return serializationError(fmt.Errorf("marshal message: %w", err))
	}
	if bytes.ContainsRune(data, '\n') {
		return serializationError(fmt.Errorf("encoded message contains a newline"))
	}

	select {
	case t.wtok <- struct{}{}:
	case <-t.in.closed:
		return closedError
	case <-ctx.Done():
		return fmt.Errorf("write: %w", ctx.Err())
	}
	if t.in.isClosed() {
		<-t.wtok
		return closedError
	}

	t.logger.Log(ctx, config.LevelTrace, "mcp send", "payload", string(data))
	done := make(chan error, 1)
	go func() {
		_, err := t.w.Write(append(data, '\n'))
		<-t.wtok
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			if t.in.isClosed() {
				return closedError
			}
			return ioError(fmt.Errorf("write: %w", err))
		}
		return nil
	case <-t.in.closed:
		return closedError
	case <-ctx.Done():
		return fmt.Errorf("write: %w", ctx.Err())
	}
}

// Listen returns the next message from the peer.
func (t *StreamTransport) Listen(ctx context.Context) (Message, error) {
	return t.in.next(ctx)
}

// Monitor returns the next message from the peer for a draining loop.
func (t *StreamTransport) Monitor(ctx context.Context) (Message, error) {
	return t.in.next(ctx)
}

// Shutdown closes the write side and stops delivering messages. It does
// not wait for a write in progress; closing w unblocks it. It is safe to
// call more than once.
func (t *StreamTransport) Shutdown() error {
	t.closeOnce.Do(func() {
		t.in.close()
		if err := t.w.Close(); err != nil {
			t.closeErr = ioError(fmt.Errorf("close writer: %w", err))
		}
	})
	return t.closeErr
}

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string

	// ShutdownGrace overrides [DefaultShutdownGrace].
	ShutdownGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout;
// stderr is logged at debug level.
type StdioTransport struct {
	*StreamTransport

	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger
	exited chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// StartStdio launches the subprocess described by cfg and connects a
// transport to its standard streams. The subprocess lifecycle is not
// tied to ctx; it ends only with [StdioTransport.Shutdown] or when the
// process exits on its own.
func StartStdio(ctx context.Context, cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// stderr is not part of the protocol; it is only logged.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", cfg.Command, err)
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	t := &StdioTransport{
		StreamTransport: NewStreamTransport(stdout, stdin, logger),
		cmd:             cmd,
		grace:           grace,
		logger:          logger,
		exited:          make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.drainStderr(stderrPipe)
	}()

	// Wait may only run once every read from the pipes has finished.
	go func() {
		<-t.readDone
		<-stderrDone
		t.waitErr = cmd.Wait()
		close(t.exited)
		t.logger.Debug("MCP subprocess exited", "pid", cmd.Process.Pid, "error", t.waitErr)
	}()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// PID returns the process id of the subprocess.
func (t *StdioTransport) PID() int {
	return t.cmd.Process.Pid
}

// Exited is closed once the subprocess has exited and been reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.exited
}

// Shutdown closes stdin to ask the subprocess to exit, waits up to the
// grace period, then kills it. Later calls return the first result.
func (t *StdioTransport) Shutdown() error {
	t.stopOnce.Do(func() {
		t.stopErr = t.stop()
	})
	return t.stopErr
}

func (t *StdioTransport) stop() error {
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	// Closing stdin signals a well-behaved server to exit.
	closeErr := t.StreamTransport.Shutdown()

	select {
	case <-t.exited:
		return closeErr
	case <-time.After(t.grace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", pid,
		)
		_ = t.cmd.Process.Kill()
		<-t.exited
		return closeErr
	}
}
