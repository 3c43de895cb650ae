package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/multisession-gateway/backend/internal/buffer"
	"github.com/multisession-gateway/backend/internal/config"
	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

const (
	// StderrTailLines is the number of stderr lines kept per bridge.
	StderrTailLines = 50

	// MaxFrameSize bounds a single line of bridge output.
	MaxFrameSize = 1 << 20

	// TranscriptFile is the transcript name inside the session directory.
	TranscriptFile = "bridge.transcript.jsonl"

	// exitGrace is how long Stop waits for a clean exit after closing stdin
	// before it kills the process.
	exitGrace = 2 * time.Second
)

var (
	// ErrBridgeExited is returned by calls made after the bridge process ended.
	ErrBridgeExited = errors.New("bridge process exited")

	// ErrBridgeNotStarted is returned by calls made before Start.
	ErrBridgeNotStarted = errors.New("bridge process not started")
)

// BridgeFactory spawns one bridge process per client.
type BridgeFactory struct {
	cfg config.BridgeConfig
}

// NewBridgeFactory creates a BridgeFactory.
func NewBridgeFactory(cfg config.BridgeConfig) *BridgeFactory {
	return &BridgeFactory{cfg: cfg}
}

// New implements Factory.
func (f *BridgeFactory) New(opts Options) (Client, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	argv := append([]string{}, f.cfg.Args...)
	command := f.cfg.Command
	if len(argv) == 0 {
		parts := splitCommand(command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("invalid bridge command %q", command)
		}
		command, argv = parts[0], parts[1:]
	}

	return &BridgeClient{
		opts:    opts,
		cfg:     f.cfg,
		command: command,
		args:    argv,
		log:     opts.Logger.With().Str("component", "bridge").Logger(),
		stderr:  buffer.NewLineRing(StderrTailLines, 0),
		pending: make(map[uint64]chan Frame),
		exited:  make(chan struct{}),
	}, nil
}

// BridgeClient drives an external bridge process over its stdin and stdout.
// Stdout carries event and result frames, stdin carries commands, and stderr
// is kept as a diagnostic tail.
type BridgeClient struct {
	opts    Options
	cfg     config.BridgeConfig
	command string
	args    []string
	log     zerolog.Logger

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *buffer.LineRing
	transcript *logger.Transcript

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan Frame
	started  bool
	stopping bool
	exited   chan struct{}
}

// Start launches the bridge and asks it to connect the session.
func (c *BridgeClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.Transcript && c.opts.DataDir != "" {
		if err := os.MkdirAll(c.opts.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
		t, err := logger.NewTranscript(filepath.Join(c.opts.DataDir, TranscriptFile))
		if err != nil {
			return err
		}
		if err := t.WriteHeader(c.opts.SessionID, append([]string{c.command}, c.args...)); err != nil {
			t.Close()
			return err
		}
		c.transcript = t
	}

	// Start with current process environment to inherit PATH, HOME, etc.
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		"GATEWAY_SESSION_ID="+c.opts.SessionID,
		"GATEWAY_DATA_DIR="+c.opts.DataDir,
	)

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = env
	cmd.Stderr = &stderrSink{ring: c.stderr, transcript: c.transcript}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.closeTranscript()
		return fmt.Errorf("failed to open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.closeTranscript()
		return fmt.Errorf("failed to open bridge stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.closeTranscript()
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	c.log.Info().Int("pid", cmd.Process.Pid).Str("command", c.command).Msg("Bridge started")

	readDone := make(chan struct{})
	go c.readLoop(stdout, readDone)
	go c.waitLoop(readDone)

	_, err = c.call(ctx, Command{
		Op:        OpStart,
		SessionID: c.opts.SessionID,
		DataDir:   c.opts.DataDir,
	})
	return err
}

// Stop asks the bridge to log out, closes its stdin, and waits for it to
// exit. The process is killed if it outlives ctx or the exit grace period.
func (c *BridgeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	select {
	case <-c.exited:
		return nil
	default:
	}

	stopCtx, cancel := context.WithTimeout(ctx, exitGrace)
	if _, err := c.call(stopCtx, Command{Op: OpStop}); err != nil && !errors.Is(err, ErrBridgeExited) {
		c.log.Debug().Err(err).Msg("Bridge did not acknowledge stop")
	}
	cancel()

	c.writeMu.Lock()
	c.stdin.Close()
	c.writeMu.Unlock()

	grace := time.NewTimer(exitGrace)
	defer grace.Stop()

	select {
	case <-c.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	c.log.Warn().Msg("Bridge did not exit, killing")
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill bridge: %w", err)
	}

	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send asks the bridge to deliver a text message.
func (c *BridgeClient) Send(ctx context.Context, to, body string) error {
	recipient, err := NormalizeRecipient(to)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, Command{Op: OpSend, To: recipient, Body: body})
	return err
}

// History asks the bridge for the latest messages of a chat.
func (c *BridgeClient) History(ctx context.Context, chatID string, limit int) ([]model.ChatMessage, error) {
	chat, err := NormalizeRecipient(chatID)
	if err != nil {
		return nil, err
	}
	f, err := c.call(ctx, Command{Op: OpHistory, ChatID: chat, Limit: limit})
	if err != nil {
		return nil, err
	}
	return DecodeHistory(f)
}

// StderrTail returns the last lines the bridge wrote to stderr.
func (c *BridgeClient) StderrTail() []string {
	return c.stderr.Lines()
}

// call writes cmd and waits for its result frame.
func (c *BridgeClient) call(ctx context.Context, cmd Command) (Frame, error) {
	c.mu.Lock()
	if c.stdin == nil {
		c.mu.Unlock()
		return Frame{}, ErrBridgeNotStarted
	}
	select {
	case <-c.exited:
		c.mu.Unlock()
		return Frame{}, ErrBridgeExited
	default:
	}
	c.nextID++
	cmd.ID = c.nextID
	reply := make(chan Frame, 1)
	c.pending[cmd.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
	}()

	line, err := EncodeCommand(cmd)
	if err != nil {
		return Frame{}, err
	}

	c.writeMu.Lock()
	_, err = c.stdin.Write(line)
	if err == nil && c.transcript != nil {
		c.transcript.Record(logger.StreamIn, line[:len(line)-1])
	}
	c.writeMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to write %s command: %w", cmd.Op, err)
	}

	select {
	case f := <-reply:
		return resultOf(cmd.Op, f)
	case <-c.exited:
		// The result may have been read just before the process ended.
		select {
		case f := <-reply:
			return resultOf(cmd.Op, f)
		default:
			return Frame{}, ErrBridgeExited
		}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func resultOf(op string, f Frame) (Frame, error) {
	if !f.OK {
		if f.Error == "" {
			f.Error = "rejected"
		}
		return f, fmt.Errorf("bridge %s failed: %s", op, f.Error)
	}
	return f, nil
}

// readLoop decodes frames from the bridge's stdout.
func (c *BridgeClient) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if c.transcript != nil {
			c.transcript.Record(logger.StreamOut, line)
		}

		frame, err := DecodeFrame(line)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed bridge frame")
			continue
		}

		if frame.Type == FrameResult {
			c.mu.Lock()
			reply, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- frame:
				default:
				}
			}
			continue
		}

		if err := Dispatch(frame, c.opts.Handler); err != nil {
			c.log.Warn().Err(err).Msg("Ignoring bridge frame")
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Msg("Bridge stdout read failed")
	}
}

// waitLoop reaps the process once stdout is drained and reports an
// unrequested exit as a disconnect.
func (c *BridgeClient) waitLoop(readDone <-chan struct{}) {
	<-readDone
	err := c.cmd.Wait()

	if err != nil {
		c.log.Debug().Err(err).Msg("Bridge wait returned")
	}

	c.mu.Lock()
	stopping := c.stopping
	close(c.exited)
	c.mu.Unlock()

	c.closeTranscript()

	exitCode := c.cmd.ProcessState.ExitCode()
	if stopping {
		c.log.Info().Int("exit_code", exitCode).Msg("Bridge stopped")
		return
	}

	reason := fmt.Sprintf("bridge exited with code %d", exitCode)
	if last := c.stderr.Last(); last != "" {
		reason += ": " + last
	}
	c.log.Warn().Int("exit_code", exitCode).Str("stderr", c.stderr.String()).Msg("Bridge exited unexpectedly")
	c.opts.Handler.OnDisconnected(reason)
}

func (c *BridgeClient) closeTranscript() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.transcript != nil {
		c.transcript.Close()
	}
}

// stderrSink keeps the stderr tail and mirrors it into the transcript.
type stderrSink struct {
	ring       *buffer.LineRing
	transcript *logger.Transcript
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.ring.Write(p)
	if s.transcript != nil {
		s.transcript.Record(logger.StreamErr, p)
	}
	return len(p), nil
}

// splitCommand splits a command string into command and arguments.
// This handles basic quoting (single and double quotes).
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
