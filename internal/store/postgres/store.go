// Package postgres stores users and conversations in PostgreSQL through a
// pgx connection pool. Messages live in their own table; every mutation of a
// conversation runs in one transaction that locks the conversation row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

const uniqueViolation = "23505"

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates the pool, checks connectivity and applies the schema.
func Open(ctx context.Context, uri string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}

	poolConfig.MaxConns = 30
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// CreateConversation inserts conv and its initial messages.
func (s *Store) CreateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	conv.ID = uuid.NewString()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			return err
		}
		for _, turn := range conv.Messages {
			if err := insertMessage(ctx, tx, conv.ID, turn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if conv.Messages == nil {
		conv.Messages = []conversation.ChatTurn{}
	}
	return conv, nil
}

// ListConversations returns summaries of the owner's conversations.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Summary, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       (SELECT count(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.owner_id = $1
		ORDER BY c.updated_at DESC, c.created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]conversation.Summary, 0)
	for rows.Next() {
		var sum conversation.Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return summaries, nil
}

// GetConversation fetches one conversation with its messages.
func (s *Store) GetConversation(ctx context.Context, ownerID, id string) (conversation.Conversation, error) {
	return s.load(ctx, s.pool, ownerID, id, false)
}

// AppendMessage inserts turn after locking the conversation row.
func (s *Store) AppendMessage(ctx context.Context, ownerID, id string, turn conversation.ChatTurn) (conversation.Conversation, error) {
	var conv conversation.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.load(ctx, tx, ownerID, id, true)
		if err != nil {
			return err
		}

		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now().UTC()
		}
		if last := current.LastTimestamp(); turn.Timestamp.Before(last) {
			turn.Timestamp = last
		}

		if err := insertMessage(ctx, tx, id, turn); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
			id, turn.Timestamp); err != nil {
			return err
		}

		current.Messages = append(current.Messages, turn)
		if turn.Timestamp.After(current.UpdatedAt) {
			current.UpdatedAt = turn.Timestamp
		}
		conv = current
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, wrap(err, "append message")
	}
	return conv, nil
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, ownerID, id, title string, at time.Time) (conversation.Conversation, error) {
	var conv conversation.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE conversations SET title = $3, updated_at = GREATEST(updated_at, $4) WHERE id = $1 AND owner_id = $2`,
			id, ownerID, title, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		conv, err = s.load(ctx, tx, ownerID, id, false)
		return err
	})
	if err != nil {
		return conversation.Conversation{}, wrap(err, "update title")
	}
	return conv, nil
}

// DeleteConversation removes a conversation; its messages cascade.
func (s *Store) DeleteConversation(ctx context.Context, ownerID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateUser inserts u. Duplicate e-mails are reported as store.ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	u.ID = uuid.NewString()
	u.Email = strings.ToLower(u.Email)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return user.User{}, store.ErrDuplicate
		}
		return user.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// FindUserByEmail looks up a user by e-mail address.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.findUser(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = $1`, strings.ToLower(email))
}

// FindUserByID looks up a user by identifier.
func (s *Store) FindUserByID(ctx context.Context, id string) (user.User, error) {
	return s.findUser(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id = $1`, id)
}

func (s *Store) findUser(ctx context.Context, query string, arg string) (user.User, error) {
	var u user.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return user.User{}, wrap(err, "find user")
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) load(ctx context.Context, q querier, ownerID, id string, lock bool) (conversation.Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = $1 AND owner_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	var conv conversation.Conversation
	err := q.QueryRow(ctx, query, id, ownerID).Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return conversation.Conversation{}, wrap(err, "get conversation")
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	rows, err := q.Query(ctx,
		`SELECT role, content, model, created_at FROM conversation_messages WHERE conversation_id = $1 ORDER BY id`, id)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = make([]conversation.ChatTurn, 0)
	for rows.Next() {
		var turn conversation.ChatTurn
		var role string
		if err := rows.Scan(&role, &turn.Content, &turn.Model, &turn.Timestamp); err != nil {
			return conversation.Conversation{}, fmt.Errorf("scan message: %w", err)
		}
		turn.Role = conversation.Role(role)
		turn.Timestamp = turn.Timestamp.UTC()
		conv.Messages = append(conv.Messages, turn)
	}
	if err := rows.Err(); err != nil {
		return conversation.Conversation{}, fmt.Errorf("load messages: %w", err)
	}
	return conv, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID string, turn conversation.ChatTurn) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO conversation_messages (conversation_id, role, content, model, created_at) VALUES ($1, $2, $3, $4, $5)`,
		conversationID, string(turn.Role), turn.Content, turn.Model, turn.Timestamp)
	return err
}

func wrap(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
