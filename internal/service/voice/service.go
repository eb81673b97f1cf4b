// Package voice implements the voice session service. Finalized
// transcripts are appended to the conversation's version tree exactly
// like typed turns, so voice and text history stay unified.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"forma/internal/config"
	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	cadRepo "forma/internal/domain/repositories/cad"
	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/tree"
)

// TreeProvider yields the live version tree for conversations with an
// open build session. Voice appends must land in that tree, not a
// throwaway copy, or navigation and the pipeline's leaf checks stop
// seeing voice turns.
type TreeProvider interface {
	LiveTree(conversationID string) (*tree.Tree, bool)
}

// Service implements the VoiceService interface.
type Service struct {
	sessions      cadRepo.VoiceSessionRepository
	conversations cadRepo.ConversationRepository
	turns         cadRepo.TurnRepository
	trees         TreeProvider
	logger        *slog.Logger
}

// NewService creates a voice service.
func NewService(
	sessions cadRepo.VoiceSessionRepository,
	conversations cadRepo.ConversationRepository,
	turns cadRepo.TurnRepository,
	trees TreeProvider,
	logger *slog.Logger,
) cadSvc.VoiceService {
	return &Service{
		sessions:      sessions,
		conversations: conversations,
		turns:         turns,
		trees:         trees,
		logger:        logger,
	}
}

func (s *Service) StartSession(ctx context.Context, userID, title string, conversationID *string) (*cad.VoiceSession, error) {
	if err := validation.Validate(title, validation.Required, validation.Length(1, config.MaxVoiceSessionTitleLength)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if conversationID != nil {
		if _, err := s.conversations.GetConversation(ctx, *conversationID, userID); err != nil {
			return nil, err
		}
	}

	session := &cad.VoiceSession{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Title:          title,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.sessions.CreateVoiceSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (*cad.VoiceSession, error) {
	return s.sessions.GetVoiceSession(ctx, sessionID, userID)
}

func (s *Service) AppendTranscript(ctx context.Context, sessionID, userID string, transcript cad.VoiceTranscript) (*cad.Turn, error) {
	if err := validateTranscript(transcript); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	session, err := s.sessions.GetVoiceSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.EndedAt != nil {
		return nil, fmt.Errorf("%w: voice session %s has ended", domain.ErrConflict, sessionID)
	}

	conversationID, err := s.ensureConversation(ctx, session, userID)
	if err != nil {
		return nil, err
	}

	// Prefer the live session tree; a throwaway copy is only safe when
	// no build session holds the conversation open.
	t, live := s.trees.LiveTree(conversationID)
	if !live {
		turns, err := s.turns.GetConversationTurns(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		conv, err := s.conversations.GetConversation(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		t, err = tree.Load(conversationID, turns, conv.CurrentLeafTurnID)
		if err != nil {
			return nil, err
		}
	}

	prevLeafID := ""
	var parent *string
	if leaf, err := t.CurrentLeaf(); err == nil {
		prevLeafID = leaf.ID
		parent = &prevLeafID
	}

	content := cad.NewTextContent(transcript.Text)
	if transcript.Artifact != nil {
		artifact := *transcript.Artifact
		artifact.Text = transcript.Text
		content = cad.NewArtifactContent(artifact)
	}

	turn, err := t.AppendChild(parent, transcript.Role, content)
	if err != nil {
		return nil, err
	}
	if err := s.turns.CreateTurn(ctx, &turn); err != nil {
		// Keep a live tree in step with the repository.
		if derr := t.Discard(turn.ID); derr != nil {
			s.logger.Error("failed to roll back unpersisted turn", "error", derr, "turn_id", turn.ID)
		} else if prevLeafID != "" {
			if lerr := t.SetCurrentLeaf(prevLeafID); lerr != nil {
				s.logger.Error("failed to restore current leaf", "error", lerr, "turn_id", prevLeafID)
			}
		}
		return nil, err
	}
	if err := s.sessions.IncrementTranscriptCount(ctx, sessionID); err != nil {
		s.logger.Error("failed to bump transcript count", "error", err, "session_id", sessionID)
	}
	if err := s.conversations.SetCurrentLeaf(ctx, conversationID, &turn.ID); err != nil {
		s.logger.Error("failed to persist current leaf", "error", err, "conversation_id", conversationID)
	}
	return &turn, nil
}

func (s *Service) EndSession(ctx context.Context, sessionID, userID string) error {
	session, err := s.sessions.GetVoiceSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if session.EndedAt != nil {
		return nil
	}

	// TranscriptCount is maintained per append; typed turns in the bound
	// conversation never count.
	return s.sessions.EndVoiceSession(ctx, sessionID)
}

// ensureConversation binds the session to a conversation, creating one
// titled after the session on the first transcript.
func (s *Service) ensureConversation(ctx context.Context, session *cad.VoiceSession, userID string) (string, error) {
	if session.ConversationID != nil {
		return *session.ConversationID, nil
	}

	now := time.Now().UTC()
	conv := &cad.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     session.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.CreateConversation(ctx, conv); err != nil {
		return "", err
	}

	session.ConversationID = &conv.ID
	if err := s.sessions.BindConversation(ctx, session.ID, conv.ID); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func validateTranscript(transcript cad.VoiceTranscript) error {
	return validation.Errors{
		"role": validation.Validate(transcript.Role, validation.Required, validation.In(cad.RoleUser, cad.RoleAssistant)),
		"text": validation.Validate(transcript.Text, validation.Required, validation.Length(1, config.MaxPromptLength)),
	}.Filter()
}
