// Package build orchestrates compile attempts for one conversation:
// dispatching source to the compiler worker, classifying the outcome,
// driving automatic repair on failure, and applying terminal results to
// the version tree. Updating the owning turn's content here is the only
// way compile results ever reach the tree.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forma/internal/compiler"
	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	cadRepo "forma/internal/domain/repositories/cad"
	"forma/internal/storage"
	"forma/internal/tree"
)

// PipelineState is the compile pipeline's observable state.
type PipelineState string

const (
	StateIdle      PipelineState = "idle"
	StateCompiling PipelineState = "compiling"
	StateSucceeded PipelineState = "succeeded"
	StateFailed    PipelineState = "failed"
)

// CompilerBackend is the worker boundary as the pipeline consumes it.
// *compiler.Supervisor implements it.
type CompilerBackend interface {
	Compile(ctx context.Context, req compiler.Request, timeout time.Duration) (*compiler.ResponseData, error)
}

// inflightBuild tracks the one outstanding compile of a session. seq is
// rebound when a repair cycle reissues the request; the build stays the
// same logical unit of work.
type inflightBuild struct {
	turnID string
	seq    uint64
	cancel context.CancelFunc
}

// Session is the compile pipeline for a single conversation. At most one
// build is in flight; a newer Compile supersedes the prior one and the
// superseded result is never applied.
type Session struct {
	tree     *tree.Tree
	backend  CompilerBackend
	profiles *compiler.ProfileRegistry
	regen    *RegenerationController
	blobs    storage.BlobStore
	turns    cadRepo.TurnWriter
	hub      *Hub
	logger   *slog.Logger

	// closeBackend tears down the owned worker on session teardown.
	closeBackend func()

	mu       sync.Mutex
	seq      uint64
	inflight *inflightBuild
	state    PipelineState
}

// NewSession wires a pipeline for one conversation tree.
func NewSession(
	t *tree.Tree,
	backend CompilerBackend,
	closeBackend func(),
	profiles *compiler.ProfileRegistry,
	regen *RegenerationController,
	blobs storage.BlobStore,
	turns cadRepo.TurnWriter,
	hub *Hub,
	logger *slog.Logger,
) *Session {
	return &Session{
		tree:         t,
		backend:      backend,
		closeBackend: closeBackend,
		profiles:     profiles,
		regen:        regen,
		blobs:        blobs,
		turns:        turns,
		hub:          hub,
		logger:       logger,
		state:        StateIdle,
	}
}

// Tree returns the session's version tree.
func (s *Session) Tree() *tree.Tree {
	return s.tree
}

// State returns the pipeline's current state.
func (s *Session) State() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a build is in flight. Branch navigation is
// disabled while this is true.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// Compile starts a build for turnID. It does not block: progress arrives
// through the event hub and the terminal result lands on the turn's
// content. Any build already in flight is superseded; its eventual
// result is discarded.
func (s *Session) Compile(turnID, sourceCode, originalPrompt string, kind compiler.OutputKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown output kind %q", domain.ErrValidation, kind)
	}
	if int64(len(sourceCode)) > s.profiles.MaxSourceBytes() {
		return fmt.Errorf("%w: source exceeds %d bytes", domain.ErrValidation, s.profiles.MaxSourceBytes())
	}
	if _, err := s.tree.Get(turnID); err != nil {
		return err
	}

	ctx, b := s.begin(turnID)
	s.hub.Publish(turnID, cad.SSEEventBuildQueued, cad.BuildQueuedEvent{TurnID: turnID, Seq: b.seq})

	go s.run(ctx, b, sourceCode, originalPrompt, kind, 0, nil)
	return nil
}

// RetryFix is the explicit "fix with AI" affordance on a failed turn. It
// resets the attempt budget: one repair cycle runs unconditionally, then
// the proposal is compiled. Returns ErrValidation if the turn is not in a
// retryable error state.
func (s *Session) RetryFix(turnID string, kind compiler.OutputKind) error {
	turn, err := s.tree.Get(turnID)
	if err != nil {
		return err
	}
	if turn.Content.Kind != cad.ContentKindError {
		return fmt.Errorf("%w: turn %s is not in an error state", domain.ErrValidation, turnID)
	}
	errContent := turn.Content.Error
	if !errContent.CanRetry || errContent.Code == "" {
		return fmt.Errorf("%w: turn %s error is not retryable", domain.ErrValidation, turnID)
	}

	prompt := s.originalPrompt(turnID)
	ctx, b := s.begin(turnID)
	s.hub.Publish(turnID, cad.SSEEventBuildQueued, cad.BuildQueuedEvent{TurnID: turnID, Seq: b.seq})

	go func() {
		attempt := RegenerationAttempt{
			AttemptNumber:  0,
			PreviousCode:   errContent.Code,
			ErrorMessage:   errContent.ErrorDetail,
			OriginalPrompt: prompt,
		}
		s.hub.Publish(turnID, cad.SSEEventBuildRepairing, cad.BuildRepairingEvent{
			TurnID:  turnID,
			Attempt: 1,
			Error:   attempt.ErrorMessage,
		})

		result, state := s.regen.Attempt(ctx, attempt)
		if ctx.Err() != nil {
			return
		}
		if state != RegenRepairProposed {
			// Keep the original error on the turn; the user can try again.
			s.applyFailure(b, domain.NewCompileFailure(errContent.ErrorDetail, nil), errContent.Code, true)
			return
		}
		if !s.rebindSeq(b) {
			return
		}
		// The recompile starts past the auto budget so a second failure
		// surfaces instead of looping.
		s.run(ctx, b, result.ProposedCode, prompt, kind, result.AttemptNumber+1, result.Parameters)
	}()
	return nil
}

// Cancel discards the in-flight build, if any. The worker may still
// finish; its output is never applied.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		s.inflight.cancel()
		s.inflight = nil
		s.state = StateIdle
	}
}

// Close cancels any in-flight build and tears down the owned worker.
func (s *Session) Close() {
	s.Cancel()
	if s.closeBackend != nil {
		s.closeBackend()
	}
}

// begin supersedes any in-flight build and registers a new one.
func (s *Session) begin(turnID string) (context.Context, *inflightBuild) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		s.logger.Info("superseding in-flight build",
			"old_turn_id", s.inflight.turnID,
			"new_turn_id", turnID,
		)
		s.inflight.cancel()
	}
	s.seq++
	b := &inflightBuild{turnID: turnID, seq: s.seq, cancel: cancel}
	s.inflight = b
	s.state = StateCompiling
	return ctx, b
}

// rebindSeq issues a fresh request sequence number to a build entering a
// recompile, provided it has not been superseded meanwhile.
func (s *Session) rebindSeq(b *inflightBuild) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != b {
		return false
	}
	s.seq++
	b.seq = s.seq
	return true
}

// run executes one compile attempt and, on a regenerable failure within
// budget, one automatic repair cycle.
func (s *Session) run(ctx context.Context, b *inflightBuild, sourceCode, originalPrompt string, kind compiler.OutputKind, attemptNumber int, params []cad.Parameter) {
	profile, err := s.profiles.Profile(kind)
	if err != nil {
		s.applyFailure(b, domain.NewDecodeError(err.Error()), sourceCode, false)
		return
	}

	s.hub.Publish(b.turnID, cad.SSEEventBuildCompiling, cad.BuildCompilingEvent{
		TurnID:  b.turnID,
		Attempt: attemptNumber,
	})

	data, err := s.backend.Compile(ctx, compiler.NewCompileRequest(b.seq, sourceCode, kind), profile.Timeout())
	if ctx.Err() != nil {
		// Superseded or torn down; the result, if any, is discarded.
		return
	}
	if err != nil {
		var berr *domain.BuildError
		if !errors.As(err, &berr) {
			berr = domain.NewWorkerCrash(err.Error())
		}
		s.handleFailure(ctx, b, berr, sourceCode, originalPrompt, kind, attemptNumber)
		return
	}

	summary, derr := decodeArtifact(kind, profile, data.Output)
	if derr != nil {
		var berr *domain.BuildError
		if !errors.As(derr, &berr) {
			berr = domain.NewDecodeError(derr.Error())
		}
		// Malformed binaries are surfaced directly, never repaired.
		s.applyFailure(b, berr, sourceCode, false)
		return
	}

	key := fmt.Sprintf("artifacts/%s/%d.%s", b.turnID, b.seq, kind)
	ref, err := s.blobs.Put(context.Background(), key, data.Output, summary.FileType)
	if err != nil {
		s.logger.Error("failed to store artifact", "error", err, "turn_id", b.turnID)
		s.applyFailure(b, domain.NewDecodeError(fmt.Sprintf("store artifact: %v", err)), sourceCode, false)
		return
	}

	content := cad.NewArtifactContent(cad.ArtifactContent{
		Text:          s.originalPrompt(b.turnID),
		Code:          sourceCode,
		Parameters:    params,
		Version:       attemptNumber + 1,
		BinaryRef:     ref,
		Format:        string(kind),
		TriangleCount: summary.TriangleCount,
	})
	if !s.applyContent(b, StateSucceeded, content) {
		return
	}
	s.hub.Publish(b.turnID, cad.SSEEventBuildSucceeded, cad.BuildSucceededEvent{
		TurnID:        b.turnID,
		BinaryRef:     ref,
		Format:        string(kind),
		TriangleCount: summary.TriangleCount,
	})
}

// handleFailure decides between an automatic repair cycle and a terminal
// error. Only compiler rejections on the current leaf are repaired;
// stale and abandoned branches never auto-retry.
func (s *Session) handleFailure(ctx context.Context, b *inflightBuild, berr *domain.BuildError, sourceCode, originalPrompt string, kind compiler.OutputKind, attemptNumber int) {
	if !berr.Regenerable() || !s.regen.ShouldAttempt(attemptNumber) || !s.tree.IsCurrentLeaf(b.turnID) {
		s.applyFailure(b, berr, sourceCode, berr.Kind != domain.KindDecodeError)
		return
	}

	s.hub.Publish(b.turnID, cad.SSEEventBuildRepairing, cad.BuildRepairingEvent{
		TurnID:  b.turnID,
		Attempt: attemptNumber + 1,
		Error:   berr.Message,
	})

	attempt := RegenerationAttempt{
		AttemptNumber:  attemptNumber,
		PreviousCode:   sourceCode,
		ErrorMessage:   berr.Message,
		CompilerLog:    berr.CompilerLog,
		OriginalPrompt: originalPrompt,
	}
	result, state := s.regen.Attempt(ctx, attempt)
	if ctx.Err() != nil {
		return
	}
	if state != RegenRepairProposed {
		// RepairExhausted: surface the original compiler error verbatim.
		s.applyFailure(b, berr, sourceCode, true)
		return
	}
	if !s.rebindSeq(b) {
		return
	}
	s.run(ctx, b, result.ProposedCode, originalPrompt, kind, attemptNumber+1, result.Parameters)
}

// applyFailure writes terminal error content to the owning turn.
func (s *Session) applyFailure(b *inflightBuild, berr *domain.BuildError, sourceCode string, canRetry bool) {
	detail := berr.Message
	if len(berr.CompilerLog) > 0 {
		detail = detail + "\n" + compiler.JoinLog(berr.CompilerLog)
	}
	content := cad.NewErrorContent(cad.ErrorContent{
		Text:        "The model failed to build.",
		ErrorDetail: detail,
		Code:        sourceCode,
		CanRetry:    canRetry,
	})
	if !s.applyContent(b, StateFailed, content) {
		return
	}
	s.hub.Publish(b.turnID, cad.SSEEventBuildFailed, cad.BuildFailedEvent{
		TurnID:   b.turnID,
		Kind:     string(berr.Kind),
		Error:    berr.Message,
		CanRetry: canRetry,
	})
}

// applyContent applies a terminal result to the tree, enforcing the
// supersede rule: the build must still be the in-flight one, and its turn
// must still be the current leaf at the moment of application. Returns
// false when the result was discarded.
func (s *Session) applyContent(b *inflightBuild, terminal PipelineState, content cad.TurnContent) bool {
	s.mu.Lock()
	if s.inflight != b {
		s.mu.Unlock()
		s.logger.Info("discarding result of superseded build", "turn_id", b.turnID, "seq", b.seq)
		return false
	}
	s.inflight = nil
	s.state = terminal
	s.mu.Unlock()

	if !s.tree.IsCurrentLeaf(b.turnID) {
		s.logger.Info("discarding result for abandoned branch", "turn_id", b.turnID)
		return false
	}

	if err := s.tree.UpdateContent(b.turnID, content); err != nil {
		s.logger.Error("failed to update turn content", "error", err, "turn_id", b.turnID)
		return false
	}
	// Persist outside the request lifecycle; the HTTP caller is long gone.
	if err := s.turns.UpdateTurnContent(context.Background(), b.turnID, content); err != nil {
		s.logger.Error("failed to persist turn content", "error", err, "turn_id", b.turnID)
	}
	return true
}

// originalPrompt walks up from turnID to the nearest user turn and
// returns its text, for repair prompts and artifact captions.
func (s *Session) originalPrompt(turnID string) string {
	path, err := s.tree.Path(turnID)
	if err != nil {
		return ""
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == cad.RoleUser {
			return path[i].Content.DisplayText()
		}
	}
	return ""
}
