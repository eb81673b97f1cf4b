package cad

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	cadRepo "forma/internal/domain/repositories/cad"
	"forma/internal/repository/postgres"
)

// PostgresVoiceSessionRepository implements the VoiceSessionRepository
// interface using PostgreSQL
type PostgresVoiceSessionRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewVoiceSessionRepository creates a new PostgresVoiceSessionRepository
func NewVoiceSessionRepository(config *postgres.RepositoryConfig) cadRepo.VoiceSessionRepository {
	return &PostgresVoiceSessionRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateVoiceSession persists a new voice session
func (r *PostgresVoiceSessionRepository) CreateVoiceSession(ctx context.Context, session *cad.VoiceSession) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, conversation_id, title, started_at, ended_at, transcript_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING started_at
	`, r.tables.VoiceSessions)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		session.ID,
		session.UserID,
		session.ConversationID,
		session.Title,
		session.StartedAt,
		session.EndedAt,
		session.TranscriptCount,
	).Scan(&session.StartedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation: %w", domain.ErrNotFound)
		}
		if postgres.IsPgDuplicateError(err) {
			return fmt.Errorf("voice session %s: %w", session.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create voice session: %w", err)
	}
	return nil
}

// GetVoiceSession retrieves a session by ID, scoped to its owner
func (r *PostgresVoiceSessionRepository) GetVoiceSession(ctx context.Context, sessionID, userID string) (*cad.VoiceSession, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, conversation_id, title, started_at, ended_at, transcript_count
		FROM %s
		WHERE id = $1 AND user_id = $2
	`, r.tables.VoiceSessions)

	var session cad.VoiceSession
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, sessionID, userID).Scan(
		&session.ID,
		&session.UserID,
		&session.ConversationID,
		&session.Title,
		&session.StartedAt,
		&session.EndedAt,
		&session.TranscriptCount,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("voice session %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get voice session: %w", err)
	}
	return &session, nil
}

// ListVoiceSessions retrieves a user's sessions, newest first
func (r *PostgresVoiceSessionRepository) ListVoiceSessions(ctx context.Context, userID string, limit int) ([]cad.VoiceSession, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, conversation_id, title, started_at, ended_at, transcript_count
		FROM %s
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, r.tables.VoiceSessions)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list voice sessions: %w", err)
	}
	defer rows.Close()

	var sessions []cad.VoiceSession
	for rows.Next() {
		var session cad.VoiceSession
		if err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.ConversationID,
			&session.Title,
			&session.StartedAt,
			&session.EndedAt,
			&session.TranscriptCount,
		); err != nil {
			return nil, fmt.Errorf("scan voice session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// BindConversation attaches a session to a conversation
func (r *PostgresVoiceSessionRepository) BindConversation(ctx context.Context, sessionID, conversationID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET conversation_id = $2
		WHERE id = $1
	`, r.tables.VoiceSessions)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, sessionID, conversationID)
	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("bind voice session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("voice session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// IncrementTranscriptCount bumps the session's transcript counter
func (r *PostgresVoiceSessionRepository) IncrementTranscriptCount(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET transcript_count = transcript_count + 1
		WHERE id = $1
	`, r.tables.VoiceSessions)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("increment transcript count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("voice session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// EndVoiceSession stamps ended_at
func (r *PostgresVoiceSessionRepository) EndVoiceSession(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET ended_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
	`, r.tables.VoiceSessions)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("end voice session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("voice session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}
