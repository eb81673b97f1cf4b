package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	"forma/internal/tree"
)

type mockVoiceRepo struct {
	mu       sync.Mutex
	sessions map[string]*cad.VoiceSession
}

func newMockVoiceRepo() *mockVoiceRepo {
	return &mockVoiceRepo{sessions: make(map[string]*cad.VoiceSession)}
}

func (r *mockVoiceRepo) CreateVoiceSession(_ context.Context, session *cad.VoiceSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *session
	r.sessions[session.ID] = &s
	return nil
}

func (r *mockVoiceRepo) GetVoiceSession(_ context.Context, sessionID, userID string) (*cad.VoiceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, domain.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *mockVoiceRepo) ListVoiceSessions(_ context.Context, userID string, limit int) ([]cad.VoiceSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cad.VoiceSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *mockVoiceRepo) BindConversation(_ context.Context, sessionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	s.ConversationID = &conversationID
	return nil
}

func (r *mockVoiceRepo) IncrementTranscriptCount(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	s.TranscriptCount++
	return nil
}

func (r *mockVoiceRepo) EndVoiceSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	s.EndedAt = &now
	return nil
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
	c, ok := r.convs[conversationID]
	if !ok || c.UserID != userID {
		return nil, domain.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *mockConversationRepo) ListConversations(_ context.Context, _ string, _ int) ([]cad.Conversation, error) {
	return nil, nil
}

func (r *mockConversationRepo) UpdateConversation(_ context.Context, _ *cad.Conversation) error {
	return nil
}

func (r *mockConversationRepo) SetCurrentLeaf(_ context.Context, conversationID string, turnID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[conversationID]
	if !ok {
		return domain.ErrNotFound
	}
	c.CurrentLeafTurnID = turnID
	return nil
}

func (r *mockConversationRepo) DeleteConversation(_ context.Context, _, _ string) error { return nil }

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

func (r *mockTurnRepo) UpdateTurnContent(_ context.Context, _ string, _ cad.TurnContent) error {
	return nil
}

func (r *mockTurnRepo) GetTurn(_ context.Context, _ string) (*cad.Turn, error) {
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

func (r *mockTurnRepo) GetTurnPath(_ context.Context, _ string) ([]cad.Turn, error) { return nil, nil }

func (r *mockTurnRepo) GetTurnSiblings(_ context.Context, _ string) ([]cad.Turn, error) {
	return nil, nil
}

// liveTrees hands out registered trees the way the build manager serves
// open session trees.
type liveTrees struct {
	mu    sync.Mutex
	trees map[string]*tree.Tree
}

func (p *liveTrees) LiveTree(conversationID string) (*tree.Tree, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trees[conversationID]
	return t, ok
}

func (p *liveTrees) register(t *tree.Tree) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trees[t.ConversationID()] = t
}

func newTestService() (*Service, *mockVoiceRepo, *mockConversationRepo, *mockTurnRepo) {
	voiceRepo := newMockVoiceRepo()
	convRepo := newMockConversationRepo()
	turnRepo := &mockTurnRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	trees := &liveTrees{trees: make(map[string]*tree.Tree)}
	svc := NewService(voiceRepo, convRepo, turnRepo, trees, logger).(*Service)
	return svc, voiceRepo, convRepo, turnRepo
}

func TestStartSessionValidatesTitle(t *testing.T) {
	svc, _, _, _ := newTestService()

	if _, err := svc.StartSession(context.Background(), "u1", "", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("StartSession(empty title) error = %v, want ErrValidation", err)
	}
}

func TestAppendTranscriptCreatesConversation(t *testing.T) {
	svc, voiceRepo, convRepo, turnRepo := newTestService()

	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if session.ConversationID != nil {
		t.Fatal("new session already bound to a conversation")
	}

	turn, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser,
		Text: "make a tall cylinder",
	})
	if err != nil {
		t.Fatalf("AppendTranscript() error = %v", err)
	}
	if turn.Role != cad.RoleUser || turn.Content.DisplayText() != "make a tall cylinder" {
		t.Errorf("turn = %q %q", turn.Role, turn.Content.DisplayText())
	}

	bound, err := voiceRepo.GetVoiceSession(context.Background(), session.ID, "u1")
	if err != nil {
		t.Fatalf("GetVoiceSession() error = %v", err)
	}
	if bound.ConversationID == nil {
		t.Fatal("session was not bound to the created conversation")
	}
	conv, err := convRepo.GetConversation(context.Background(), *bound.ConversationID, "u1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Title != "voice sketch" {
		t.Errorf("conversation title = %q, want the session title", conv.Title)
	}
	if conv.CurrentLeafTurnID == nil || *conv.CurrentLeafTurnID != turn.ID {
		t.Errorf("current leaf = %v, want the transcript turn", conv.CurrentLeafTurnID)
	}
	if len(turnRepo.turns) != 1 {
		t.Errorf("persisted %d turns, want 1", len(turnRepo.turns))
	}
}

func TestAppendTranscriptChainsTurns(t *testing.T) {
	svc, _, _, _ := newTestService()

	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	first, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser, Text: "a gear",
	})
	if err != nil {
		t.Fatalf("AppendTranscript(first) error = %v", err)
	}
	second, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleAssistant,
		Text: "Here is a gear.",
		Artifact: &cad.ArtifactContent{
			Code:      "gear();",
			Version:   1,
			BinaryRef: "artifacts/x/1.stl",
			Format:    "stl",
		},
	})
	if err != nil {
		t.Fatalf("AppendTranscript(second) error = %v", err)
	}

	if second.ParentTurnID == nil || *second.ParentTurnID != first.ID {
		t.Errorf("second transcript parent = %v, want chained under %s", second.ParentTurnID, first.ID)
	}
	if second.Content.Kind != cad.ContentKindArtifact {
		t.Errorf("second content kind = %q, want artifact", second.Content.Kind)
	}
	if second.Content.Artifact.Text != "Here is a gear." {
		t.Errorf("artifact text = %q, want the transcript text", second.Content.Artifact.Text)
	}
}

func TestAppendTranscriptValidates(t *testing.T) {
	svc, _, _, _ := newTestService()
	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	tests := []struct {
		name       string
		transcript cad.VoiceTranscript
	}{
		{"missing role", cad.VoiceTranscript{Text: "hi"}},
		{"bad role", cad.VoiceTranscript{Role: "system", Text: "hi"}},
		{"missing text", cad.VoiceTranscript{Role: cad.RoleUser}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AppendTranscript(context.Background(), session.ID, "u1", tt.transcript); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("AppendTranscript() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEndSession(t *testing.T) {
	svc, voiceRepo, _, _ := newTestService()
	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", nil)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser, Text: "a knob",
	}); err != nil {
		t.Fatalf("AppendTranscript() error = %v", err)
	}

	if err := svc.EndSession(context.Background(), session.ID, "u1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	ended, err := voiceRepo.GetVoiceSession(context.Background(), session.ID, "u1")
	if err != nil {
		t.Fatalf("GetVoiceSession() error = %v", err)
	}
	if ended.EndedAt == nil {
		t.Fatal("session not stamped ended")
	}
	if ended.TranscriptCount != 1 {
		t.Errorf("transcript count = %d, want 1", ended.TranscriptCount)
	}

	// Appending after the end is refused.
	if _, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser, Text: "one more",
	}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("AppendTranscript() after end error = %v, want ErrConflict", err)
	}
}

func TestAppendTranscriptLandsInLiveSessionTree(t *testing.T) {
	svc, _, convRepo, turnRepo := newTestService()

	conv := &cad.Conversation{ID: "c1", UserID: "u1", Title: "voice sketch"}
	if err := convRepo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	live := tree.New(conv.ID)
	svc.trees.(*liveTrees).register(live)

	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", &conv.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	first, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser, Text: "a hinge",
	})
	if err != nil {
		t.Fatalf("AppendTranscript(first) error = %v", err)
	}

	// The open session's tree sees the voice turn, not a throwaway copy.
	if _, err := live.Get(first.ID); err != nil {
		t.Fatalf("live tree is missing the voice turn: %v", err)
	}
	leaf, err := live.CurrentLeaf()
	if err != nil {
		t.Fatalf("CurrentLeaf() error = %v", err)
	}
	if leaf.ID != first.ID {
		t.Errorf("live tree leaf = %s, want the voice turn %s", leaf.ID, first.ID)
	}
	if len(turnRepo.turns) != 1 {
		t.Errorf("persisted %d turns, want 1", len(turnRepo.turns))
	}

	// The next transcript chains under the first inside the same tree.
	second, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleAssistant, Text: "Here is a hinge.",
	})
	if err != nil {
		t.Fatalf("AppendTranscript(second) error = %v", err)
	}
	if second.ParentTurnID == nil || *second.ParentTurnID != first.ID {
		t.Errorf("second transcript parent = %v, want %s", second.ParentTurnID, first.ID)
	}
	if !live.IsCurrentLeaf(second.ID) {
		t.Error("live tree leaf did not follow the appended transcript")
	}
}

func TestEndSessionCountsOnlyTranscripts(t *testing.T) {
	svc, voiceRepo, convRepo, turnRepo := newTestService()

	// A conversation that already holds typed turns.
	conv := &cad.Conversation{ID: "c1", UserID: "u1", Title: "desk hook"}
	if err := convRepo.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	typedUser := cad.Turn{ID: "t1", ConversationID: conv.ID, Role: cad.RoleUser,
		Content: cad.NewTextContent("a hook"), CreatedAt: time.Now().Add(-2 * time.Minute)}
	typedAssistant := cad.Turn{ID: "t2", ConversationID: conv.ID, ParentTurnID: &typedUser.ID,
		Role: cad.RoleAssistant, Content: cad.NewTextContent("Building your model."),
		CreatedAt: time.Now().Add(-time.Minute)}
	for _, turn := range []cad.Turn{typedUser, typedAssistant} {
		if err := turnRepo.CreateTurn(context.Background(), &turn); err != nil {
			t.Fatalf("CreateTurn() error = %v", err)
		}
	}

	session, err := svc.StartSession(context.Background(), "u1", "voice sketch", &conv.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := svc.AppendTranscript(context.Background(), session.ID, "u1", cad.VoiceTranscript{
		Role: cad.RoleUser, Text: "make it wider",
	}); err != nil {
		t.Fatalf("AppendTranscript() error = %v", err)
	}

	if err := svc.EndSession(context.Background(), session.ID, "u1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	ended, err := voiceRepo.GetVoiceSession(context.Background(), session.ID, "u1")
	if err != nil {
		t.Fatalf("GetVoiceSession() error = %v", err)
	}
	if ended.TranscriptCount != 1 {
		t.Errorf("transcript count = %d, want 1 (typed turns excluded)", ended.TranscriptCount)
	}
}
