package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/example/chatterbox-api/internal/audio"
)

// Exec runs the model in a long-lived worker process speaking JSON lines.
//
// On start the worker prints a handshake line
//
//	{"ready":true,"sample_rate":24000,"device":"cuda","model_type":"chatterbox"}
//
// and then answers each request line with one reply line. Calls on one
// worker are serialised. A worker that dies, or whose reply is abandoned
// because the caller gave up, is killed and restarted on the next call.
type Exec struct {
	argv   []string
	device string
	logger *slog.Logger

	mu   sync.Mutex
	w    *worker
	info Info
}

type handshake struct {
	Ready      bool   `json:"ready"`
	SampleRate int    `json:"sample_rate"`
	Device     string `json:"device"`
	ModelType  string `json:"model_type"`
	Error      string `json:"error,omitempty"`
}

// NewExec parses command with shell quoting rules.
func NewExec(command, device string, logger *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exec{argv: args, device: device, logger: logger}, nil
}

func (e *Exec) Load(ctx context.Context) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w != nil && e.w.alive() {
		return e.info, nil
	}
	if err := e.startLocked(ctx); err != nil {
		return Info{}, err
	}
	return e.info, nil
}

func (e *Exec) Synthesize(ctx context.Context, req Request) (audio.Waveform, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w == nil || !e.w.alive() {
		if e.w != nil {
			e.logger.Warn("engine worker exited; restarting", "error", e.w.exitErr())
		}
		if err := e.startLocked(ctx); err != nil {
			return audio.Waveform{}, err
		}
	}

	msg := synthRequest{Text: req.Text, Params: req.Params}
	if req.Reference != nil {
		msg.ReferenceAudioPath = req.Reference.Path
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return audio.Waveform{}, err
	}
	if _, err := e.w.stdin.Write(append(line, '\n')); err != nil {
		e.killLocked()
		return audio.Waveform{}, fmt.Errorf("write to engine worker: %w", err)
	}

	raw, err := e.readLocked(ctx)
	if err != nil {
		return audio.Waveform{}, err
	}
	var reply synthReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		e.killLocked()
		return audio.Waveform{}, fmt.Errorf("decode engine reply: %w", err)
	}
	wave, err := reply.waveform()
	if err != nil {
		return audio.Waveform{}, err
	}
	if wave.SampleRate == 0 {
		wave.SampleRate = e.info.SampleRate
	}
	return wave, nil
}

// Close asks the worker to exit by closing its stdin and kills it if it
// does not comply promptly.
func (e *Exec) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.w == nil {
		return nil
	}
	w := e.w
	e.w = nil

	_ = w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
	}
	w.kill()
	<-w.exited
	return nil
}

func (e *Exec) startLocked(ctx context.Context) error {
	if e.w != nil {
		e.w.kill()
	}
	w, err := startWorker(e.argv, e.device, e.logger)
	if err != nil {
		return err
	}
	e.w = w

	raw, err := e.readLocked(ctx)
	if err != nil {
		return fmt.Errorf("engine worker handshake: %w", err)
	}
	var hs handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		e.killLocked()
		return fmt.Errorf("engine worker handshake: %w", err)
	}
	if !hs.Ready {
		e.killLocked()
		if hs.Error != "" {
			return fmt.Errorf("engine worker not ready: %s", hs.Error)
		}
		return errors.New("engine worker not ready")
	}
	if hs.SampleRate <= 0 {
		e.killLocked()
		return fmt.Errorf("engine worker reported sample rate %d", hs.SampleRate)
	}

	device := hs.Device
	if device == "" {
		device = e.device
	}
	e.info = Info{SampleRate: hs.SampleRate, Device: device, ModelType: hs.ModelType}
	e.logger.Info("engine worker ready",
		slog.Int("pid", w.cmd.Process.Pid),
		slog.Int("sample_rate", hs.SampleRate),
		slog.String("device", device),
	)
	return nil
}

func (e *Exec) readLocked(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-e.w.lines:
		if !ok {
			err := e.w.exitErr()
			e.w.kill()
			return nil, fmt.Errorf("engine worker exited: %w", err)
		}
		return line, nil
	case <-ctx.Done():
		// The reply stream is now out of step with our requests.
		e.killLocked()
		return nil, ctx.Err()
	}
}

func (e *Exec) killLocked() {
	if e.w != nil {
		e.w.kill()
	}
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	stop   chan struct{}
	exited chan struct{}

	once    sync.Once
	waitErr error
}

func startWorker(argv []string, device string, logger *slog.Logger) (*worker, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if device != "" {
		cmd.Env = append(cmd.Env, "CHATTERBOX_DEVICE="+device)
	}
	cmd.Stderr = &lineLogger{logger: logger.With("component", "engine-worker")}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// A plain pipe instead of StdoutPipe so that Wait never closes the read
	// end under the reader goroutine.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start engine worker %q: %w", argv[0], err)
	}
	_ = pw.Close()

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()
	go w.read(pr)
	return w, nil
}

func (w *worker) read(r io.ReadCloser) {
	defer close(w.lines)
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case w.lines <- line:
			case <-w.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *worker) alive() bool {
	select {
	case <-w.exited:
		return false
	case <-w.stop:
		return false
	default:
		return true
	}
}

func (w *worker) kill() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	})
}

// exitErr waits briefly for the process status.
func (w *worker) exitErr() error {
	select {
	case <-w.exited:
		if w.waitErr == nil {
			return errors.New("exit status 0")
		}
		return w.waitErr
	case <-time.After(2 * time.Second):
		return errors.New("output closed")
	}
}

// lineLogger forwards worker stderr to the service log one line at a time.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if msg := strings.TrimSpace(string(l.buf[:i])); msg != "" {
			l.logger.Info(msg)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
