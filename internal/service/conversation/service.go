// Package conversation implements the conversation service: lifecycle,
// version tree operations, and the bridge into the build pipeline.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"forma/internal/compiler"
	"forma/internal/config"
	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	"forma/internal/domain/repositories"
	cadRepo "forma/internal/domain/repositories/cad"
	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/service/build"
	"forma/internal/tree"
)

// Service implements the ConversationService interface. It keeps one live
// tree per open conversation via the build manager; repository state is
// the source of truth and the tree is rebuilt from it on first touch.
type Service struct {
	conversations cadRepo.ConversationRepository
	turns         cadRepo.TurnRepository
	txManager     repositories.TransactionManager
	builds        *build.Manager
	logger        *slog.Logger
}

// NewService creates a conversation service.
func NewService(
	conversations cadRepo.ConversationRepository,
	turns cadRepo.TurnRepository,
	txManager repositories.TransactionManager,
	builds *build.Manager,
	logger *slog.Logger,
) cadSvc.ConversationService {
	return &Service{
		conversations: conversations,
		turns:         turns,
		txManager:     txManager,
		builds:        builds,
		logger:        logger,
	}
}

func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*cad.Conversation, error) {
	if err := validateTitle(title); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	now := time.Now().UTC()
	conv := &cad.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*cad.Conversation, error) {
	return s.conversations.GetConversation(ctx, conversationID, userID)
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]cad.Conversation, error) {
	if limit <= 0 || limit > config.MaxActivityFeedLimit {
		limit = config.MaxActivityFeedLimit
	}
	return s.conversations.ListConversations(ctx, userID, limit)
}

func (s *Service) RenameConversation(ctx context.Context, conversationID, userID, title string) error {
	if err := validateTitle(title); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	conv, err := s.conversations.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	conv.Title = title
	return s.conversations.UpdateConversation(ctx, conv)
}

func (s *Service) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	if err := s.conversations.DeleteConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	// Tear down the live session and its worker, if any.
	s.builds.Close(conversationID)
	return nil
}

func (s *Service) GetTree(ctx context.Context, conversationID, userID string) (*cadSvc.TreeSnapshot, error) {
	conv, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	t := sess.Tree()
	snapshot := &cadSvc.TreeSnapshot{
		Conversation: conv,
		Turns:        t.Turns(),
		BuildBusy:    sess.Busy(),
	}
	if leaf, err := t.CurrentLeaf(); err == nil {
		snapshot.CurrentLeaf = &leaf
	}
	return snapshot, nil
}

func (s *Service) SendPrompt(ctx context.Context, conversationID, userID string, parentTurnID *string, text, sourceCode string, kind compiler.OutputKind) (*cad.Turn, error) {
	if err := validatePrompt(text); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if sourceCode == "" {
		return nil, fmt.Errorf("%w: source_code is required", domain.ErrValidation)
	}

	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	t := sess.Tree()

	prevLeafID := ""
	if leaf, err := t.CurrentLeaf(); err == nil {
		prevLeafID = leaf.ID
	}

	// Continue from the current leaf when no parent is named.
	parent := parentTurnID
	if parent == nil && prevLeafID != "" {
		parent = &prevLeafID
	}

	userTurn, err := t.AppendChild(parent, cad.RoleUser, cad.NewTextContent(text))
	if err != nil {
		return nil, err
	}
	assistant, err := t.AppendChild(&userTurn.ID, cad.RoleAssistant, cad.NewTextContent("Building your model."))
	if err != nil {
		return nil, err
	}

	// The turn pair and the leaf pointer land together or not at all.
	err = s.txManager.ExecTx(ctx, func(ctx context.Context) error {
		if err := s.turns.CreateTurn(ctx, &userTurn); err != nil {
			return err
		}
		if err := s.turns.CreateTurn(ctx, &assistant); err != nil {
			return err
		}
		return s.conversations.SetCurrentLeaf(ctx, conversationID, &assistant.ID)
	})
	if err != nil {
		s.rollbackAppends(t, prevLeafID, assistant.ID, userTurn.ID)
		return nil, err
	}

	if err := sess.Compile(assistant.ID, sourceCode, text, kind); err != nil {
		return nil, err
	}
	return &assistant, nil
}

func (s *Service) EditPrompt(ctx context.Context, conversationID, userID, turnID, text string) (*cad.Turn, error) {
	if err := validatePrompt(text); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Busy() {
		return nil, fmt.Errorf("%w: a build is in flight", domain.ErrConflict)
	}

	t := sess.Tree()
	prevLeafID := ""
	if leaf, err := t.CurrentLeaf(); err == nil {
		prevLeafID = leaf.ID
	}

	edited, err := t.EditTurn(turnID, cad.NewTextContent(text))
	if err != nil {
		return nil, err
	}
	err = s.txManager.ExecTx(ctx, func(ctx context.Context) error {
		if err := s.turns.CreateTurn(ctx, &edited); err != nil {
			return err
		}
		return s.conversations.SetCurrentLeaf(ctx, conversationID, &edited.ID)
	})
	if err != nil {
		s.rollbackAppends(t, prevLeafID, edited.ID)
		return nil, err
	}
	return &edited, nil
}

// rollbackAppends discards in-memory turns whose persistence failed and
// restores the leaf pointer, so the session tree keeps matching the
// repository. Discard order matters: children before parents.
func (s *Service) rollbackAppends(t *tree.Tree, prevLeafID string, turnIDs ...string) {
	for _, id := range turnIDs {
		if err := t.Discard(id); err != nil {
			s.logger.Error("failed to roll back unpersisted turn", "error", err, "turn_id", id)
		}
	}
	if prevLeafID != "" {
		if err := t.SetCurrentLeaf(prevLeafID); err != nil {
			s.logger.Error("failed to restore current leaf", "error", err, "turn_id", prevLeafID)
		}
	}
}

func (s *Service) GetTurnPath(ctx context.Context, conversationID, userID, turnID string) ([]cad.Turn, error) {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return sess.Tree().Path(turnID)
}

func (s *Service) GetTurnSiblings(ctx context.Context, conversationID, userID, turnID string) (*cadSvc.SiblingInfo, error) {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	t := sess.Tree()

	turn, err := t.Get(turnID)
	if err != nil {
		return nil, err
	}
	siblings, err := t.SiblingsOf(turnID)
	if err != nil {
		return nil, err
	}
	index, count, err := t.SiblingPosition(turnID)
	if err != nil {
		return nil, err
	}
	return &cadSvc.SiblingInfo{
		Turn:     turn,
		Index:    index,
		Count:    count,
		Siblings: siblings,
	}, nil
}

func (s *Service) SelectLeaf(ctx context.Context, conversationID, userID, turnID string) error {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if sess.Busy() {
		return fmt.Errorf("%w: a build is in flight", domain.ErrConflict)
	}

	if err := sess.Tree().SetCurrentLeaf(turnID); err != nil {
		return err
	}
	return s.conversations.SetCurrentLeaf(ctx, conversationID, &turnID)
}

func (s *Service) StepBranch(ctx context.Context, conversationID, userID, turnID string, offset int) (*cad.Turn, error) {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Busy() {
		return nil, fmt.Errorf("%w: a build is in flight", domain.ErrConflict)
	}
	t := sess.Tree()

	sibling, err := t.StepSibling(turnID, offset)
	if err != nil {
		return nil, err
	}
	leaf, err := t.LeafDescendant(sibling.ID)
	if err != nil {
		return nil, err
	}
	if err := t.SetCurrentLeaf(leaf.ID); err != nil {
		return nil, err
	}
	if err := s.conversations.SetCurrentLeaf(ctx, conversationID, &leaf.ID); err != nil {
		s.logger.Error("failed to persist current leaf", "error", err, "conversation_id", conversationID)
	}
	return &leaf, nil
}

func (s *Service) Compile(ctx context.Context, conversationID, userID, turnID, sourceCode string, kind compiler.OutputKind) error {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	prompt := nearestUserPrompt(sess.Tree(), turnID)
	return sess.Compile(turnID, sourceCode, prompt, kind)
}

func (s *Service) RetryFix(ctx context.Context, conversationID, userID, turnID string, kind compiler.OutputKind) error {
	_, sess, err := s.session(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	return sess.RetryFix(turnID, kind)
}

// session resolves the live build session for a conversation, rebuilding
// the tree from storage when none is open.
func (s *Service) session(ctx context.Context, conversationID, userID string) (*cad.Conversation, *build.Session, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}

	if sess, ok := s.builds.Lookup(conversationID); ok {
		return conv, sess, nil
	}

	turns, err := s.turns.GetConversationTurns(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	t, err := tree.Load(conversationID, turns, conv.CurrentLeafTurnID)
	if err != nil {
		return nil, nil, err
	}
	return conv, s.builds.Session(conversationID, t), nil
}

// nearestUserPrompt walks up from turnID to the closest user turn.
func nearestUserPrompt(t *tree.Tree, turnID string) string {
	path, err := t.Path(turnID)
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

// Validation methods

func validateTitle(title string) error {
	return validation.Validate(title,
		validation.Required,
		validation.Length(1, config.MaxConversationTitleLength),
	)
}

func validatePrompt(text string) error {
	return validation.Validate(text,
		validation.Required,
		validation.Length(1, config.MaxPromptLength),
	)
}
