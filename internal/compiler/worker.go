package compiler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

// stderrTailLines bounds how much worker stderr is retained for crash
// diagnostics.
const stderrTailLines = 50

// responseBuffer sizes the response channel. One outstanding request per
// worker means one is enough; the headroom absorbs a late response from a
// superseded request without blocking the reader.
const responseBuffer = 4

// WorkerHandle is the handle the supervisor drives. A handle is used for
// at most one lifetime: once crashed or killed it is discarded, never
// restarted.
type WorkerHandle interface {
	// Send writes a compile request to the worker. Returns an error if
	// the worker is no longer accepting input.
	Send(req Request) error

	// Responses returns the channel of worker responses. The channel is
	// closed when the worker exits for any reason.
	Responses() <-chan Response

	// Kill terminates the worker process. Idempotent.
	Kill()

	// StderrTail returns the last captured stderr lines, for crash
	// diagnostics.
	StderrTail() []string
}

// WorkerFactory creates a fresh worker. The supervisor calls it on start
// and after every crash or timeout.
type WorkerFactory func() (WorkerHandle, error)

// NewProcessWorkerFactory returns a factory launching the compiler binary
// as a subprocess speaking JSON lines over stdin/stdout.
func NewProcessWorkerFactory(command string, args []string, logger *slog.Logger) WorkerFactory {
	return func() (WorkerHandle, error) {
		return startProcessWorker(command, args, logger)
	}
}

// processWorker wraps one compiler subprocess. The orchestrator and the
// worker share no memory: all communication is message passing over the
// process pipes.
type processWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	responses chan Response
	killed    atomic.Bool

	stderrMu   sync.Mutex
	stderrTail []string
}

func startProcessWorker(command string, args []string, logger *slog.Logger) (*processWorker, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start compiler worker: %w", err)
	}

	w := &processWorker{
		cmd:       cmd,
		stdin:     stdin,
		enc:       json.NewEncoder(stdin),
		responses: make(chan Response, responseBuffer),
		logger:    logger,
	}

	go w.readStderr(stderr)
	go w.readResponses(stdout)

	logger.Info("compiler worker started",
		"command", command,
		"pid", cmd.Process.Pid,
	)
	return w, nil
}

// Send writes a request as one JSON line.
func (w *processWorker) Send(req Request) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.killed.Load() {
		return fmt.Errorf("worker already terminated")
	}
	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("write compile request: %w", err)
	}
	return nil
}

// Responses returns the worker's response channel.
func (w *processWorker) Responses() <-chan Response {
	return w.responses
}

// Kill terminates the subprocess. The read goroutine observes the closed
// pipe and closes the response channel.
func (w *processWorker) Kill() {
	if !w.killed.CompareAndSwap(false, true) {
		return
	}
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// StderrTail returns the retained stderr lines.
func (w *processWorker) StderrTail() []string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()

	out := make([]string, len(w.stderrTail))
	copy(out, w.stderrTail)
	return out
}

// readResponses decodes JSON lines from stdout until the pipe closes,
// then reaps the process and closes the response channel.
func (w *processWorker) readResponses(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Compiled output is base64-embedded in the response line; allow
	// lines up to 64 MiB.
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			w.logger.Warn("discarding malformed worker response line",
				"error", err,
				"pid", w.cmd.Process.Pid,
			)
			continue
		}
		w.responses <- resp
	}

	waitErr := w.cmd.Wait()
	if waitErr != nil && !w.killed.Load() {
		w.logger.Warn("compiler worker exited",
			"error", waitErr,
			"pid", w.cmd.Process.Pid,
		)
	}
	close(w.responses)
}

// readStderr retains a bounded tail of worker stderr.
func (w *processWorker) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		w.stderrMu.Lock()
		w.stderrTail = append(w.stderrTail, scanner.Text())
		if len(w.stderrTail) > stderrTailLines {
			w.stderrTail = w.stderrTail[len(w.stderrTail)-stderrTailLines:]
		}
		w.stderrMu.Unlock()
	}
}
