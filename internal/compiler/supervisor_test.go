package compiler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"forma/internal/domain"
)

// fakeWorker is a scriptable WorkerHandle for supervisor tests.
type fakeWorker struct {
	mu        sync.Mutex
	sent      []Request
	sendErr   error
	responses chan Response
	killed    bool
	stderr    []string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{responses: make(chan Response, 4)}
}

func (f *fakeWorker) Send(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeWorker) Responses() <-chan Response { return f.responses }

func (f *fakeWorker) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

func (f *fakeWorker) StderrTail() []string { return f.stderr }

func (f *fakeWorker) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeWorker) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// factoryOf returns a factory handing out the given workers in order and
// a counter of how many were created.
func factoryOf(t *testing.T, workers ...*fakeWorker) (WorkerFactory, *int) {
	t.Helper()
	created := 0
	return func() (WorkerHandle, error) {
		if created >= len(workers) {
			t.Fatalf("factory exhausted after %d workers", created)
		}
		w := workers[created]
		created++
		return w, nil
	}, &created
}

func TestCompile_Success(t *testing.T) {
	w := newFakeWorker()
	factory, _ := factoryOf(t, w)
	s := NewSupervisor(factory, time.Second, testLogger())

	w.responses <- Response{Seq: 1, Data: &ResponseData{Output: []byte("solid"), FileType: "model/stl"}}

	data, err := s.Compile(context.Background(), NewCompileRequest(1, "cube([10,10,10]);", OutputSTL), 0)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if string(data.Output) != "solid" || data.FileType != "model/stl" {
		t.Errorf("unexpected data: %q %q", data.Output, data.FileType)
	}
	if w.sentCount() != 1 {
		t.Errorf("sent %d requests, want 1", w.sentCount())
	}
}

func TestCompile_CompilerRejection(t *testing.T) {
	w := newFakeWorker()
	factory, _ := factoryOf(t, w)
	s := NewSupervisor(factory, time.Second, testLogger())

	w.responses <- Response{Seq: 7, Error: &ResponseError{
		Message: "ERROR: division by zero",
		StdErr:  []string{"line 1: h/0", "aborting"},
	}}

	_, err := s.Compile(context.Background(), NewCompileRequest(7, "cube([1,1,h/0]);", OutputSTL), 0)
	var berr *domain.BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Kind != domain.KindCompileFailure {
		t.Errorf("kind = %s, want compile_failure", berr.Kind)
	}
	if len(berr.CompilerLog) != 2 || berr.CompilerLog[0] != "line 1: h/0" {
		t.Errorf("compiler log not preserved in order: %v", berr.CompilerLog)
	}
	if !berr.Regenerable() {
		t.Error("compile failure should be regenerable")
	}
	// Rejection is a normal answer; the worker stays alive.
	if w.wasKilled() {
		t.Error("worker killed after ordinary rejection")
	}
}

func TestCompile_StaleResponseSkipped(t *testing.T) {
	w := newFakeWorker()
	factory, _ := factoryOf(t, w)
	s := NewSupervisor(factory, time.Second, testLogger())

	// A late answer to a superseded request arrives first.
	w.responses <- Response{Seq: 3, Data: &ResponseData{Output: []byte("old"), FileType: "model/stl"}}
	w.responses <- Response{Seq: 4, Data: &ResponseData{Output: []byte("new"), FileType: "model/stl"}}

	data, err := s.Compile(context.Background(), NewCompileRequest(4, "cube([2,2,2]);", OutputSTL), 0)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if string(data.Output) != "new" {
		t.Errorf("applied stale response: got %q", data.Output)
	}
}

func TestCompile_TimeoutTearsDownWorker(t *testing.T) {
	w := newFakeWorker()
	replacement := newFakeWorker()
	factory, created := factoryOf(t, w, replacement)
	s := NewSupervisor(factory, time.Second, testLogger())

	_, err := s.Compile(context.Background(), NewCompileRequest(1, "cube();", OutputSTL), 20*time.Millisecond)
	var berr *domain.BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Kind != domain.KindTimeout {
		t.Errorf("kind = %s, want timeout", berr.Kind)
	}
	if berr.Regenerable() {
		t.Error("timeout must not trigger regeneration")
	}
	if !w.wasKilled() {
		t.Error("timed-out worker was not killed")
	}

	// Next request gets a fresh worker, never the terminated handle.
	replacement.responses <- Response{Seq: 2, Data: &ResponseData{Output: []byte("ok"), FileType: "model/stl"}}
	if _, err := s.Compile(context.Background(), NewCompileRequest(2, "cube();", OutputSTL), 0); err != nil {
		t.Fatalf("compile after timeout: %v", err)
	}
	if *created != 2 {
		t.Errorf("workers created = %d, want 2", *created)
	}
	if replacement.sentCount() != 1 {
		t.Errorf("replacement received %d requests, want 1", replacement.sentCount())
	}
}

func TestCompile_WorkerCrash(t *testing.T) {
	w := newFakeWorker()
	w.stderr = []string{"segfault at 0x0"}
	factory, _ := factoryOf(t, w, newFakeWorker())
	s := NewSupervisor(factory, time.Second, testLogger())

	close(w.responses) // process died

	_, err := s.Compile(context.Background(), NewCompileRequest(1, "cube();", OutputSTL), 0)
	var berr *domain.BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Kind != domain.KindWorkerCrash {
		t.Errorf("kind = %s, want worker_crash", berr.Kind)
	}
	if len(berr.CompilerLog) != 1 || berr.CompilerLog[0] != "segfault at 0x0" {
		t.Errorf("stderr tail not attached: %v", berr.CompilerLog)
	}
}

func TestCompile_SendFailureKillsWorker(t *testing.T) {
	w := newFakeWorker()
	w.sendErr = errors.New("broken pipe")
	replacement := newFakeWorker()
	factory, created := factoryOf(t, w, replacement)
	s := NewSupervisor(factory, time.Second, testLogger())

	_, err := s.Compile(context.Background(), NewCompileRequest(1, "cube();", OutputSTL), 0)
	var berr *domain.BuildError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if berr.Kind != domain.KindWorkerCrash {
		t.Errorf("kind = %s, want worker_crash", berr.Kind)
	}
	if !w.wasKilled() {
		t.Error("worker with failed dispatch was not killed")
	}

	// The next request gets a fresh handle, never the dead one.
	replacement.responses <- Response{Seq: 2, Data: &ResponseData{Output: []byte("ok"), FileType: "model/stl"}}
	if _, err := s.Compile(context.Background(), NewCompileRequest(2, "cube();", OutputSTL), 0); err != nil {
		t.Fatalf("Compile() after replacement error = %v", err)
	}
	if *created != 2 {
		t.Errorf("workers created = %d, want 2", *created)
	}
}

func TestCompile_ContextCancelLeavesWorkerRunning(t *testing.T) {
	w := newFakeWorker()
	factory, _ := factoryOf(t, w)
	s := NewSupervisor(factory, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Compile(ctx, NewCompileRequest(1, "cube();", OutputSTL), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Supersede discards the result, not the worker.
	if w.wasKilled() {
		t.Error("worker killed on supersede")
	}
}

func TestClose_KillsWorker(t *testing.T) {
	w := newFakeWorker()
	factory, _ := factoryOf(t, w)
	s := NewSupervisor(factory, time.Second, testLogger())

	w.responses <- Response{Seq: 1, Data: &ResponseData{Output: []byte("x"), FileType: "model/stl"}}
	if _, err := s.Compile(context.Background(), NewCompileRequest(1, "cube();", OutputSTL), 0); err != nil {
		t.Fatalf("compile: %v", err)
	}

	s.Close()
	if !w.wasKilled() {
		t.Error("Close did not kill the worker")
	}
}

func TestJoinLog_PreservesOrder(t *testing.T) {
	got := JoinLog([]string{"first", "second", "third"})
	want := "first\nsecond\nthird"
	if got != want {
		t.Errorf("JoinLog = %q, want %q", got, want)
	}
}
