package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"forma/internal/domain"
)

// Supervisor owns the compiler worker as a replaceable resource. The
// worker moves through Idle -> Busy while serving a request; a crash or
// timeout moves it to Crashed, and the supervisor discards the handle and
// lazily starts a fresh one for the next request. A terminated handle is
// never reused.
type Supervisor struct {
	factory        WorkerFactory
	defaultTimeout time.Duration
	logger         *slog.Logger

	// mu serializes requests: there is at most one outstanding compile
	// per supervisor, matching the one-build-per-tree model.
	mu     sync.Mutex
	worker WorkerHandle
}

// NewSupervisor creates a supervisor. defaultTimeout is the ceiling
// applied when the caller passes no per-request timeout.
func NewSupervisor(factory WorkerFactory, defaultTimeout time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		factory:        factory,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Compile dispatches one request and blocks until the worker answers, the
// timeout fires, the worker dies, or ctx is cancelled.
//
// Cancellation via ctx means the request was superseded or the session is
// shutting down: the worker is left running (its eventual output is
// discarded by sequence-number checks) and ctx.Err() is returned.
//
// Timeouts and crashes tear the worker down; the returned *domain.BuildError
// carries the classification.
func (s *Supervisor) Compile(ctx context.Context, req Request, timeout time.Duration) (*ResponseData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	w, err := s.ensureWorker()
	if err != nil {
		return nil, domain.NewWorkerCrash(fmt.Sprintf("start compiler worker: %v", err))
	}

	if err := w.Send(req); err != nil {
		// The process may still be alive with a broken pipe; make sure
		// it does not outlive the handle.
		s.killAndDiscard("send failed")
		return nil, domain.NewWorkerCrash(fmt.Sprintf("dispatch to compiler worker: %v", err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp, ok := <-w.Responses():
			if !ok {
				tail := w.StderrTail()
				s.discardWorker("process exited")
				berr := domain.NewWorkerCrash("compiler worker exited before responding")
				berr.CompilerLog = tail
				return nil, berr
			}
			if resp.Seq != req.Seq {
				// Late answer to a superseded request; drop it.
				s.logger.Debug("discarding stale worker response",
					"got_seq", resp.Seq,
					"want_seq", req.Seq,
				)
				continue
			}
			if resp.Error != nil {
				return nil, domain.NewCompileFailure(resp.Error.Message, resp.Error.StdErr)
			}
			if resp.Data == nil {
				return nil, domain.NewWorkerCrash("worker response carried neither data nor error")
			}
			return resp.Data, nil

		case <-timer.C:
			tail := w.StderrTail()
			s.killAndDiscard("timeout")
			berr := domain.NewTimeout(fmt.Sprintf("compiler produced no response within %s", timeout))
			berr.CompilerLog = tail
			return nil, berr

		case <-ctx.Done():
			// Superseded or session teardown. The worker may still
			// finish; its response is skipped by seq on the next call.
			return nil, ctx.Err()
		}
	}
}

// Close tears down the current worker, if any. Used on session teardown.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killAndDiscard("session teardown")
}

// ensureWorker returns the live worker, starting one if needed. Caller
// holds mu.
func (s *Supervisor) ensureWorker() (WorkerHandle, error) {
	if s.worker != nil {
		return s.worker, nil
	}
	w, err := s.factory()
	if err != nil {
		return nil, err
	}
	s.worker = w
	return w, nil
}

// discardWorker forgets the current handle without killing it. Caller
// holds mu.
func (s *Supervisor) discardWorker(reason string) {
	if s.worker == nil {
		return
	}
	s.logger.Warn("replacing compiler worker", "reason", reason)
	s.worker = nil
}

// killAndDiscard terminates and forgets the current handle. Caller holds mu.
func (s *Supervisor) killAndDiscard(reason string) {
	if s.worker == nil {
		return
	}
	s.logger.Warn("killing compiler worker", "reason", reason)
	s.worker.Kill()
	s.worker = nil
}

// JoinLog concatenates compiler log lines in emission order with newline
// separators, for repair prompts and error display. No line is dropped or
// reordered.
func JoinLog(lines []string) string {
	return strings.Join(lines, "\n")
}
