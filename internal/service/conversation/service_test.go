package conversation

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"forma/internal/compiler"
	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	"forma/internal/domain/repositories"
	"forma/internal/service/build"
	"forma/internal/service/repair"
)

// ---- mocks ----

// passthroughTx runs the function directly; the mock repos have no
// transaction semantics.
type passthroughTx struct{}

func (passthroughTx) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	return fn(ctx)
}

// failingTx models a transaction that rolls back: the function's writes
// never land, and the caller sees the error.
type failingTx struct{ err error }

func (f failingTx) ExecTx(context.Context, repositories.TxFn) error {
	return f.err
}

type mockConversationRepo struct {
	mu    sync.Mutex
	convs map[string]*cad.Conversation
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{convs: make(map[string]*cad.Conversation)}
}

func (r *mockConversationRepo) CreateConversation(_ context.Context, conv *cad.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *conv
	r.convs[conv.ID] = &c
	return nil
}

func (r *mockConversationRepo) GetConversation(_ context.Context, conversationID, userID string) (*cad.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[conversationID]
	if !ok || conv.UserID != userID || conv.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (r *mockConversationRepo) ListConversations(_ context.Context, userID string, limit int) ([]cad.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cad.Conversation
	for _, conv := range r.convs {
		if conv.UserID == userID && conv.DeletedAt == nil {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *mockConversationRepo) UpdateConversation(_ context.Context, conv *cad.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.convs[conv.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Title = conv.Title
	stored.CurrentLeafTurnID = conv.CurrentLeafTurnID
	stored.UpdatedAt = time.Now()
	return nil
}

func (r *mockConversationRepo) SetCurrentLeaf(_ context.Context, conversationID string, turnID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.convs[conversationID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.CurrentLeafTurnID = turnID
	stored.UpdatedAt = time.Now()
	return nil
}

func (r *mockConversationRepo) DeleteConversation(_ context.Context, conversationID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.convs[conversationID]
	if !ok || stored.UserID != userID {
		return domain.ErrNotFound
	}
	now := time.Now()
	stored.DeletedAt = &now
	return nil
}

func (r *mockConversationRepo) currentLeaf(conversationID string) *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs[conversationID].CurrentLeafTurnID
}

type mockTurnRepo struct {
	mu    sync.Mutex
	turns []cad.Turn
}

func (r *mockTurnRepo) CreateTurn(_ context.Context, turn *cad.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, *turn)
	return nil
}

func (r *mockTurnRepo) UpdateTurnContent(_ context.Context, turnID string, content cad.TurnContent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.turns {
		if r.turns[i].ID == turnID {
			r.turns[i].Content = content.Clone()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *mockTurnRepo) GetTurn(_ context.Context, turnID string) (*cad.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.turns {
		if r.turns[i].ID == turnID {
			t := r.turns[i]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *mockTurnRepo) GetConversationTurns(_ context.Context, conversationID string) ([]cad.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cad.Turn
	for _, t := range r.turns {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *mockTurnRepo) GetTurnPath(ctx context.Context, turnID string) ([]cad.Turn, error) {
	var path []cad.Turn
	id := &turnID
	for id != nil {
		turn, err := r.GetTurn(ctx, *id)
		if err != nil {
			return nil, err
		}
		path = append([]cad.Turn{*turn}, path...)
		id = turn.ParentTurnID
	}
	return path, nil
}

func (r *mockTurnRepo) GetTurnSiblings(ctx context.Context, turnID string) ([]cad.Turn, error) {
	turn, err := r.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cad.Turn
	for _, t := range r.turns {
		if t.ConversationID != turn.ConversationID {
			continue
		}
		if (t.ParentTurnID == nil) != (turn.ParentTurnID == nil) {
			continue
		}
		if t.ParentTurnID == nil || *t.ParentTurnID == *turn.ParentTurnID {
			out = append(out, t)
		}
	}
	return out, nil
}

// autoWorker answers every compile request with a fixed response. gate,
// when set, delays the answer until the channel is closed.
type autoWorker struct {
	mu        sync.Mutex
	responses chan compiler.Response
	respond   func(req compiler.Request) compiler.Response
	gate      chan struct{}
	killed    bool
}

func newAutoWorker(respond func(req compiler.Request) compiler.Response) *autoWorker {
	return &autoWorker{
		responses: make(chan compiler.Response, 4),
		respond:   respond,
	}
}

func (w *autoWorker) Send(req compiler.Request) error {
	go func() {
		if w.gate != nil {
			<-w.gate
		}
		w.responses <- w.respond(req)
	}()
	return nil
}

func (w *autoWorker) Responses() <-chan compiler.Response { return w.responses }

func (w *autoWorker) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killed = true
}

func (w *autoWorker) StderrTail() []string { return nil }

type stubRepair struct{}

func (stubRepair) Fix(context.Context, *repair.FixRequest) (*repair.FixResponse, error) {
	return nil, &domain.BuildError{Kind: domain.KindRepairServiceError, Message: "unavailable in tests"}
}

// ---- helpers ----

func makeBinarySTL(n uint32) []byte {
	data := make([]byte, 84+int(n)*50)
	binary.LittleEndian.PutUint32(data[80:84], n)
	return data
}

func successWorker() *autoWorker {
	return newAutoWorker(func(req compiler.Request) compiler.Response {
		return compiler.Response{
			Seq:  req.Seq,
			Data: &compiler.ResponseData{Output: makeBinarySTL(8), FileType: "model/stl"},
		}
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc      *Service
	convRepo *mockConversationRepo
	turnRepo *mockTurnRepo
	builds   *build.Manager
	worker   *autoWorker
}

func newTestEnv(t *testing.T, worker *autoWorker) *testEnv {
	t.Helper()

	profiles, err := compiler.NewProfileRegistry()
	if err != nil {
		t.Fatalf("NewProfileRegistry() error = %v", err)
	}

	convRepo := newMockConversationRepo()
	turnRepo := &mockTurnRepo{}
	factory := compiler.WorkerFactory(func() (compiler.WorkerHandle, error) { return worker, nil })
	manager := build.NewManager(
		factory,
		30*time.Second,
		profiles,
		build.NewRegenerationController(stubRepair{}, 1, testLogger()),
		mustBlobStore(t),
		turnRepo,
		build.NewHub(testLogger()),
		testLogger(),
	)
	t.Cleanup(manager.CloseAll)

	svc := NewService(convRepo, turnRepo, passthroughTx{}, manager, testLogger()).(*Service)
	return &testEnv{svc: svc, convRepo: convRepo, turnRepo: turnRepo, builds: manager, worker: worker}
}

func mustBlobStore(t *testing.T) *memTestBlobStore {
	t.Helper()
	return &memTestBlobStore{blobs: make(map[string][]byte)}
}

type memTestBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *memTestBlobStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return key, nil
}

func (s *memTestBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (env *testEnv) createConversation(t *testing.T) *cad.Conversation {
	t.Helper()
	conv, err := env.svc.CreateConversation(context.Background(), "u1", "desk organizer")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

// waitForArtifact polls until the turn's content becomes an artifact.
func (env *testEnv) waitForArtifact(t *testing.T, conversationID, turnID string) cad.Turn {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := env.svc.GetTree(context.Background(), conversationID, "u1")
		if err != nil {
			t.Fatalf("GetTree() error = %v", err)
		}
		for _, turn := range snapshot.Turns {
			if turn.ID == turnID && turn.Content.Kind == cad.ContentKindArtifact {
				return turn
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("turn %s never reached artifact content", turnID)
	return cad.Turn{}
}

// ---- tests ----

func TestSendPromptBuildsArtifact(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"make a cube 10mm on each side", "cube([10,10,10]);", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	if assistant.Role != cad.RoleAssistant {
		t.Errorf("returned turn role = %q, want assistant", assistant.Role)
	}
	if assistant.ParentTurnID == nil {
		t.Fatal("assistant turn has no parent")
	}

	built := env.waitForArtifact(t, conv.ID, assistant.ID)
	if built.Content.Artifact.BinaryRef == "" {
		t.Error("artifact binary ref is empty")
	}
	if built.Content.Artifact.Code != "cube([10,10,10]);" {
		t.Errorf("artifact code = %q", built.Content.Artifact.Code)
	}

	// The user turn that owns the prompt is the assistant's parent.
	parent, err := env.turnRepo.GetTurn(context.Background(), *assistant.ParentTurnID)
	if err != nil {
		t.Fatalf("GetTurn(parent) error = %v", err)
	}
	if parent.Role != cad.RoleUser || parent.Content.DisplayText() != "make a cube 10mm on each side" {
		t.Errorf("parent turn = %q %q", parent.Role, parent.Content.DisplayText())
	}

	// The terminal content reached persistence too.
	stored, err := env.turnRepo.GetTurn(context.Background(), assistant.ID)
	if err != nil {
		t.Fatalf("GetTurn(assistant) error = %v", err)
	}
	if stored.Content.Kind != cad.ContentKindArtifact {
		t.Errorf("persisted content kind = %q, want artifact", stored.Content.Kind)
	}
}

func TestSendPromptContinuesFromCurrentLeaf(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	first, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a cube", "cube([10,10,10]);", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt(first) error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, first.ID)

	second, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"now round the corners", "minkowski_cube();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt(second) error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, second.ID)

	path, err := env.svc.GetTurnPath(context.Background(), conv.ID, "u1", second.ID)
	if err != nil {
		t.Fatalf("GetTurnPath() error = %v", err)
	}
	if len(path) != 4 {
		t.Fatalf("path length = %d, want 4 (user, assistant, user, assistant)", len(path))
	}
	if path[0].ID == path[len(path)-1].ID {
		t.Error("path does not descend from the first turn")
	}
	if got := env.convRepo.currentLeaf(conv.ID); got == nil || *got != second.ID {
		t.Errorf("persisted current leaf = %v, want the new assistant turn", got)
	}
}

func TestEditPromptCreatesSiblingBranch(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a mug", "mug();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, assistant.ID)
	userTurnID := *assistant.ParentTurnID

	edited, err := env.svc.EditPrompt(context.Background(), conv.ID, "u1", userTurnID, "a mug with a bigger handle")
	if err != nil {
		t.Fatalf("EditPrompt() error = %v", err)
	}
	if edited.ID == userTurnID {
		t.Fatal("edit mutated the original turn instead of branching")
	}

	info, err := env.svc.GetTurnSiblings(context.Background(), conv.ID, "u1", edited.ID)
	if err != nil {
		t.Fatalf("GetTurnSiblings() error = %v", err)
	}
	if info.Count != 2 {
		t.Errorf("sibling count = %d, want 2", info.Count)
	}
	if info.Index != 1 {
		t.Errorf("edited turn index = %d, want 1 (newest sibling)", info.Index)
	}

	original, err := env.svc.GetTurnPath(context.Background(), conv.ID, "u1", userTurnID)
	if err != nil {
		t.Fatalf("GetTurnPath(original) error = %v", err)
	}
	if got := original[len(original)-1].Content.DisplayText(); got != "a mug" {
		t.Errorf("original turn text = %q, edit must not mutate it", got)
	}
}

func TestStepBranchMovesLeaf(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a box", "box();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, assistant.ID)
	userTurnID := *assistant.ParentTurnID

	if _, err := env.svc.EditPrompt(context.Background(), conv.ID, "u1", userTurnID, "a box with a lid"); err != nil {
		t.Fatalf("EditPrompt() error = %v", err)
	}

	// Step back from the edited branch to the original, landing on the
	// original branch's leaf (the built assistant turn).
	leaf, err := env.svc.StepBranch(context.Background(), conv.ID, "u1", userTurnID, 0)
	if err != nil {
		t.Fatalf("StepBranch() error = %v", err)
	}
	if leaf.ID != assistant.ID {
		t.Errorf("StepBranch landed on %s, want the original branch leaf %s", leaf.ID, assistant.ID)
	}
	if got := env.convRepo.currentLeaf(conv.ID); got == nil || *got != assistant.ID {
		t.Errorf("persisted current leaf = %v, want %s", got, assistant.ID)
	}

	// Offsets clamp at the ends instead of wrapping.
	if _, err := env.svc.StepBranch(context.Background(), conv.ID, "u1", userTurnID, -5); err != nil {
		t.Errorf("StepBranch(-5) error = %v, want clamped success", err)
	}
}

func TestNavigationBlockedWhileBuildInFlight(t *testing.T) {
	worker := successWorker()
	worker.gate = make(chan struct{})
	env := newTestEnv(t, worker)
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a vase", "vase();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}

	if err := env.svc.SelectLeaf(context.Background(), conv.ID, "u1", assistant.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("SelectLeaf() during build error = %v, want ErrConflict", err)
	}
	if _, err := env.svc.StepBranch(context.Background(), conv.ID, "u1", assistant.ID, 1); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("StepBranch() during build error = %v, want ErrConflict", err)
	}

	close(worker.gate)
	env.waitForArtifact(t, conv.ID, assistant.ID)

	if err := env.svc.SelectLeaf(context.Background(), conv.ID, "u1", assistant.ID); err != nil {
		t.Errorf("SelectLeaf() after build error = %v", err)
	}
}

func TestConversationScoping(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	if _, err := env.svc.GetConversation(context.Background(), conv.ID, "intruder"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetConversation() as another user error = %v, want ErrNotFound", err)
	}
	if _, err := env.svc.GetTree(context.Background(), "missing", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetTree() for unknown conversation error = %v, want ErrNotFound", err)
	}
}

func TestRenameConversationValidates(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	if err := env.svc.RenameConversation(context.Background(), conv.ID, "u1", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("RenameConversation(empty) error = %v, want ErrValidation", err)
	}
	if err := env.svc.RenameConversation(context.Background(), conv.ID, "u1", "pen holder"); err != nil {
		t.Fatalf("RenameConversation() error = %v", err)
	}
	got, err := env.svc.GetConversation(context.Background(), conv.ID, "u1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Title != "pen holder" {
		t.Errorf("title = %q, want renamed", got.Title)
	}
}

func TestDeleteConversationTearsDownSession(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a lamp", "lamp();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, assistant.ID)

	if err := env.svc.DeleteConversation(context.Background(), conv.ID, "u1"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, ok := env.builds.Lookup(conv.ID); ok {
		t.Error("build session survived conversation deletion")
	}
	if _, err := env.svc.GetConversation(context.Background(), conv.ID, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetConversation() after delete error = %v, want ErrNotFound", err)
	}
}

func TestSendPromptTxFailureLeavesNoPhantomTurns(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	env.svc.txManager = failingTx{err: errors.New("commit failed")}
	_, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a cube", "cube([10,10,10]);", compiler.OutputSTL)
	if err == nil {
		t.Fatal("SendPrompt() with failing transaction expected error")
	}

	// The session tree must match the repository: no turns anywhere.
	snap, err := env.svc.GetTree(context.Background(), conv.ID, "u1")
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	if len(snap.Turns) != 0 {
		t.Fatalf("session tree holds %d turns after rollback, want 0", len(snap.Turns))
	}
	persisted, err := env.turnRepo.GetConversationTurns(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetConversationTurns() error = %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("repository holds %d turns, want 0", len(persisted))
	}

	// The next prompt starts a fresh root pair instead of chaining onto
	// a parent the repository never saw.
	env.svc.txManager = passthroughTx{}
	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a cube", "cube([10,10,10]);", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() after recovery error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, assistant.ID)

	path, err := env.svc.GetTurnPath(context.Background(), conv.ID, "u1", assistant.ID)
	if err != nil {
		t.Fatalf("GetTurnPath() error = %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("path length = %d, want 2 (root user turn + assistant)", len(path))
	}
	if path[0].ParentTurnID != nil {
		t.Errorf("user turn parent = %v, want root", *path[0].ParentTurnID)
	}
}

func TestEditPromptTxFailureRestoresLeaf(t *testing.T) {
	env := newTestEnv(t, successWorker())
	conv := env.createConversation(t)

	assistant, err := env.svc.SendPrompt(context.Background(), conv.ID, "u1", nil,
		"a mug", "mug();", compiler.OutputSTL)
	if err != nil {
		t.Fatalf("SendPrompt() error = %v", err)
	}
	env.waitForArtifact(t, conv.ID, assistant.ID)
	userTurnID := *assistant.ParentTurnID

	env.svc.txManager = failingTx{err: errors.New("commit failed")}
	if _, err := env.svc.EditPrompt(context.Background(), conv.ID, "u1", userTurnID, "a taller mug"); err == nil {
		t.Fatal("EditPrompt() with failing transaction expected error")
	}

	info, err := env.svc.GetTurnSiblings(context.Background(), conv.ID, "u1", userTurnID)
	if err != nil {
		t.Fatalf("GetTurnSiblings() error = %v", err)
	}
	if info.Count != 1 {
		t.Fatalf("sibling count = %d after rollback, want 1", info.Count)
	}

	snap, err := env.svc.GetTree(context.Background(), conv.ID, "u1")
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	if snap.CurrentLeaf == nil || snap.CurrentLeaf.ID != assistant.ID {
		t.Errorf("current leaf = %+v, want the original assistant turn", snap.CurrentLeaf)
	}
}
