package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/labwatch/labwatch/internal/model"
)

var (
	// ErrLaunch means the worker program could not be started at all. The
	// session start attempt fails; nothing is retried.
	ErrLaunch = errors.New("worker launch failed")

	// ErrTimeout means no response carrying the request's seq arrived in
	// time. The capture tick is treated as missed; scheduling continues.
	ErrTimeout = errors.New("worker response timeout")

	// ErrExited means the worker process died while requests were pending.
	ErrExited = errors.New("worker exited")
)

// Command is one outbound protocol message. Seq is assigned by Send.
type Command struct {
	Cmd                      string `json:"cmd"`
	Seq                      int64  `json:"seq"`
	Timestamp                string `json:"timestamp,omitempty"`
	EnableSecondaryDetection bool   `json:"enableSecondaryDetection,omitempty"`
}

// Response is one inbound protocol message. Seq echoes the request; a nil
// Seq marks an unsolicited worker message.
type Response struct {
	Seq             *int64                 `json:"seq"`
	Count           int                    `json:"count"`
	DetectedObjects []model.DetectedObject `json:"detectedObjects"`
	Screenshot      string                 `json:"screenshot"`
	Timestamp       string                 `json:"timestamp"`
}

// Launch describes the worker process to spawn.
type Launch struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Worker supervises one spawned detection process and provides a
// request/response abstraction over its stdin/stdout byte streams.
//
// Requests are newline-terminated JSON objects carrying a monotonically
// increasing seq; responses are matched back to their waiter through a
// pending table keyed by seq, so out-of-order arrival still resolves
// correctly. Output lines that do not parse as JSON are worker diagnostics,
// not protocol errors.
type Worker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMx sync.Mutex // serializes stdin writes

	mx      sync.Mutex
	seq     int64
	pending map[int64]chan Response

	done    chan struct{}
	exitErr error
}

// Spawn starts the worker process and begins consuming its output streams.
func Spawn(ctx context.Context, launch Launch) (*Worker, error) {
	cmd := exec.Command(launch.Path, launch.Args...)
	cmd.Env = launch.Env
	cmd.Dir = launch.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrLaunch, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	w := &Worker{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan Response),
		done:    make(chan struct{}),
	}

	go w.readOutput(ctx, stdout)
	go w.readDiagnostics(ctx, stderr)
	go w.wait(ctx)

	return w, nil
}

// Send assigns the next seq, writes one newline-terminated JSON message and
// waits for the response carrying the same seq. It returns ErrTimeout when
// no response arrives within timeout and ErrExited when the worker is not
// alive.
func (w *Worker) Send(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	ch := make(chan Response, 1)

	w.mx.Lock()
	select {
	case <-w.done:
		w.mx.Unlock()
		return Response{}, ErrExited
	default:
	}
	w.seq++
	cmd.Seq = w.seq
	w.pending[cmd.Seq] = ch
	w.mx.Unlock()

	line, err := json.Marshal(cmd)
	if err != nil {
		w.unregister(cmd.Seq)
		return Response{}, fmt.Errorf("encoding command: %w", err)
	}

	w.writeMx.Lock()
	_, err = w.stdin.Write(append(line, '\n'))
	w.writeMx.Unlock()
	if err != nil {
		w.unregister(cmd.Seq)
		return Response{}, fmt.Errorf("%w: writing command: %w", ErrExited, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		w.unregister(cmd.Seq)
		return Response{}, ErrTimeout
	case <-w.done:
		return Response{}, ErrExited
	case <-ctx.Done():
		w.unregister(cmd.Seq)
		return Response{}, ctx.Err()
	}
}

// Done is closed once the worker process has terminated for any reason.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the process has not terminated yet.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Kill force-terminates the worker process.
func (w *Worker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *Worker) unregister(seq int64) {
	w.mx.Lock()
	delete(w.pending, seq)
	w.mx.Unlock()
}

// readOutput splits stdout on newlines and routes parsed responses to their
// waiters. Unparseable lines are free-text diagnostics; parsed lines without
// a pending seq are unsolicited messages. Neither is a protocol violation.
func (w *Worker) readOutput(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.DebugContext(ctx, "worker output", "line", string(line))
			continue
		}

		if resp.Seq == nil {
			slog.DebugContext(ctx, "unsolicited worker message", "line", string(line))
			continue
		}

		w.mx.Lock()
		ch, ok := w.pending[*resp.Seq]
		if ok {
			delete(w.pending, *resp.Seq)
		}
		w.mx.Unlock()

		if !ok {
			slog.DebugContext(ctx, "worker response without pending request", "seq", *resp.Seq)
			continue
		}
		ch <- resp
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.DebugContext(ctx, "reading worker stdout", "error", err)
	}
}

func (w *Worker) readDiagnostics(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.DebugContext(ctx, "worker stderr", "line", scanner.Text())
	}
}

// wait reaps the process. Closing done rejects every in-flight Send with
// ErrExited; clearing the pending table drops responses that can no longer
// arrive.
func (w *Worker) wait(ctx context.Context) {
	err := w.cmd.Wait()

	w.mx.Lock()
	w.exitErr = err
	pending := len(w.pending)
	clear(w.pending)
	close(w.done)
	w.mx.Unlock()

	slog.DebugContext(ctx, "worker exited", "error", err, "rejected_pending", pending)
}
