package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"chatbridge/internal/errs"
	"chatbridge/internal/models"
	"chatbridge/pkg/logger"
	"chatbridge/protocol"
)

// PgxPool is the slice of pgxpool.Pool the repositories use. pgxmock
// implements it too, so repository tests run without a database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type PostgresDB struct {
	pool PgxPool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// NewPostgresDBWithPool wires an existing pool (or a pgxmock pool in tests).
func NewPostgresDBWithPool(pool PgxPool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user id: %w", err)
	}

	query := `
		INSERT INTO users (id, email, first_name, last_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, email, first_name, last_name, created_at`

	user := &models.User{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, id.String(), req.Email, req.FirstName, req.LastName, string(hash)).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("email %s: %w", req.Email, errs.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, first_name, last_name, COALESCE(avatar, ''), password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Avatar, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, first_name, last_name, COALESCE(avatar, ''), created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Avatar, &user.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	return user, nil
}

// Conversation Repository Implementation

func (db *PostgresDB) GetOrCreateConversation(ctx context.Context, userA, userB string) (string, error) {
	low, high := userA, userB
	if strings.Compare(low, high) > 0 {
		low, high = high, low
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate conversation id: %w", err)
	}

	query := `
		INSERT INTO conversations (id, user_low, user_high, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id`

	var convID string
	err = db.pool.QueryRow(ctx, query, id.String(), low, high).Scan(&convID)
	return convID, err
}

func (db *PostgresDB) ListConversations(ctx context.Context, userID string, page, limit int, searchTerm string) ([]protocol.Conversation, protocol.Pagination, error) {
	countQuery := `
		SELECT COUNT(*)
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		WHERE (c.user_low = $1 OR c.user_high = $1)
		  AND ($2 = '' OR (u.first_name || ' ' || u.last_name) ILIKE '%' || $2 || '%')`

	var total int
	if err := db.pool.QueryRow(ctx, countQuery, userID, searchTerm).Scan(&total); err != nil {
		return nil, protocol.Pagination{}, fmt.Errorf("count conversations: %w", err)
	}

	query := `
		SELECT c.id, u.id, u.first_name, u.last_name, COALESCE(u.avatar, ''),
		       m.content, m.sender_id, m.created_at,
		       COALESCE(un.cnt, 0), c.created_at, c.updated_at
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		LEFT JOIN LATERAL (
			SELECT content, sender_id, created_at
			FROM messages
			WHERE conversation_id = c.id AND NOT is_deleted
			ORDER BY created_at DESC
			LIMIT 1
		) m ON true
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS cnt
			FROM messages
			WHERE conversation_id = c.id AND receiver_id = $1 AND status <> 'seen' AND NOT is_deleted
		) un ON true
		WHERE (c.user_low = $1 OR c.user_high = $1)
		  AND ($2 = '' OR (u.first_name || ' ' || u.last_name) ILIKE '%' || $2 || '%')
		ORDER BY c.updated_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.pool.Query(ctx, query, userID, searchTerm, limit, (page-1)*limit)
	if err != nil {
		return nil, protocol.Pagination{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []protocol.Conversation
	for rows.Next() {
		var (
			conv       protocol.Conversation
			lastText   *string
			lastSender *string
			lastAt     *time.Time
		)
		if err := rows.Scan(
			&conv.ID, &conv.Participant.ID, &conv.Participant.FirstName, &conv.Participant.LastName, &conv.Participant.Avatar,
			&lastText, &lastSender, &lastAt,
			&conv.UnreadCount, &conv.CreatedAt, &conv.UpdatedAt,
		); err != nil {
			return nil, protocol.Pagination{}, err
		}
		if lastText != nil && lastSender != nil && lastAt != nil {
			conv.LastMessage = &protocol.MessageSummary{Content: *lastText, SenderID: *lastSender, CreatedAt: *lastAt}
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, protocol.Pagination{}, err
	}

	return conversations, paginate(page, limit, total), nil
}

// Message Repository Implementation

func (db *PostgresDB) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, file_urls, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, msg.FileURLs, string(msg.Kind), string(msg.Status), msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $2 WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	return tx.Commit(ctx)
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.receiver_id, m.content,
	m.file_urls, m.kind, m.status, m.is_edited, m.is_deleted, m.created_at`

func (db *PostgresDB) ListMessages(ctx context.Context, userID, peerID string, page, limit int) ([]protocol.Message, protocol.Pagination, error) {
	return db.pageMessages(ctx, userID, peerID, "", page, limit)
}

func (db *PostgresDB) SearchMessages(ctx context.Context, userID, peerID, term string, page, limit int) ([]protocol.Message, protocol.Pagination, error) {
	return db.pageMessages(ctx, userID, peerID, term, page, limit)
}

// pageMessages returns one history page between two users, newest first; the
// client re-sorts ascending for display. An empty term skips the filter.
func (db *PostgresDB) pageMessages(ctx context.Context, userID, peerID, term string, page, limit int) ([]protocol.Message, protocol.Pagination, error) {
	where := `((m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1))
		  AND NOT m.is_deleted
		  AND ($3 = '' OR m.content ILIKE '%' || $3 || '%')`

	var total int
	countQuery := `SELECT COUNT(*) FROM messages m WHERE ` + where
	if err := db.pool.QueryRow(ctx, countQuery, userID, peerID, term).Scan(&total); err != nil {
		return nil, protocol.Pagination{}, fmt.Errorf("count messages: %w", err)
	}

	query := `SELECT ` + messageColumns + ` FROM messages m WHERE ` + where + `
		ORDER BY m.created_at DESC, m.id
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query, userID, peerID, term, limit, (page-1)*limit)
	if err != nil {
		return nil, protocol.Pagination{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, protocol.Pagination{}, err
	}

	if err := db.attachReactions(ctx, messages); err != nil {
		return nil, protocol.Pagination{}, err
	}

	return messages, paginate(page, limit, total), nil
}

func (db *PostgresDB) GetMessage(ctx context.Context, messageID string) (*protocol.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1`

	row := db.pool.QueryRow(ctx, query, messageID)
	msg, err := scanMessageRow(row)
	if err != nil {
		return nil, mapNoRows(err)
	}

	msgs := []protocol.Message{*msg}
	if err := db.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (db *PostgresDB) MarkThreadSeen(ctx context.Context, readerID, peerID string) (int64, error) {
	query := `
		UPDATE messages SET status = 'seen'
		WHERE receiver_id = $1 AND sender_id = $2 AND status <> 'seen' AND NOT is_deleted`

	tag, err := db.pool.Exec(ctx, query, readerID, peerID)
	if err != nil {
		return 0, fmt.Errorf("mark thread seen: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *PostgresDB) MarkMessageSeen(ctx context.Context, messageID, readerID string) error {
	query := `UPDATE messages SET status = 'seen' WHERE id = $1 AND receiver_id = $2`
	_, err := db.pool.Exec(ctx, query, messageID, readerID)
	return err
}

func (db *PostgresDB) UpdateMessage(ctx context.Context, messageID, senderID, content string) (*protocol.Message, error) {
	query := `
		UPDATE messages m SET content = $3, is_edited = true
		WHERE m.id = $1 AND m.sender_id = $2 AND NOT m.is_deleted
		RETURNING ` + messageColumns

	row := db.pool.QueryRow(ctx, query, messageID, senderID, content)
	msg, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the message is gone or the caller is not the sender.
			return nil, db.classifyMessageError(ctx, messageID)
		}
		return nil, err
	}

	msgs := []protocol.Message{*msg}
	if err := db.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (db *PostgresDB) DeleteMessage(ctx context.Context, messageID, senderID string) (*protocol.Message, error) {
	query := `
		UPDATE messages m SET is_deleted = true
		WHERE m.id = $1 AND m.sender_id = $2 AND NOT m.is_deleted
		RETURNING ` + messageColumns

	row := db.pool.QueryRow(ctx, query, messageID, senderID)
	msg, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.classifyMessageError(ctx, messageID)
		}
		return nil, err
	}
	return msg, nil
}

func (db *PostgresDB) UnseenCount(ctx context.Context, userID, conversationID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = $1 AND status <> 'seen' AND NOT is_deleted
		  AND ($2 = '' OR conversation_id = $2)`

	var count int
	err := db.pool.QueryRow(ctx, query, userID, conversationID).Scan(&count)
	return count, err
}

// Reaction Repository Implementation

func (db *PostgresDB) SetReaction(ctx context.Context, messageID, userID, emoji string) error {
	query := `
		INSERT INTO reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, created_at = NOW()`

	_, err := db.pool.Exec(ctx, query, messageID, userID, emoji)
	return err
}

func (db *PostgresDB) RemoveReaction(ctx context.Context, messageID, userID string) error {
	query := `DELETE FROM reactions WHERE message_id = $1 AND user_id = $2`
	_, err := db.pool.Exec(ctx, query, messageID, userID)
	return err
}

// attachReactions merges each message's reaction set in one round trip.
func (db *PostgresDB) attachReactions(ctx context.Context, messages []protocol.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		index[m.ID] = i
	}

	query := `SELECT message_id, user_id, emoji FROM reactions WHERE message_id = ANY($1) ORDER BY created_at`
	rows, err := db.pool.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID string
		var r protocol.Reaction
		if err := rows.Scan(&msgID, &r.UserID, &r.Emoji); err != nil {
			return err
		}
		if i, ok := index[msgID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, r)
		}
	}
	return rows.Err()
}

// classifyMessageError distinguishes "not found" from "not yours".
func (db *PostgresDB) classifyMessageError(ctx context.Context, messageID string) error {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND NOT is_deleted)`, messageID).Scan(&exists)
	if err == nil && exists {
		return fmt.Errorf("message %s: %w", messageID, errs.ErrForbidden)
	}
	return fmt.Errorf("message %s: %w", messageID, errs.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*protocol.Message, error) {
	var (
		msg  protocol.Message
		kind string
		stat string
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content,
		&msg.FileURLs, &kind, &stat, &msg.Edited, &msg.Deleted, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Kind = protocol.MessageKind(kind)
	msg.Status = protocol.DeliveryStatus(stat)
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]protocol.Message, error) {
	var messages []protocol.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func paginate(page, limit, total int) protocol.Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	if totalPages == 0 && total == 0 {
		totalPages = 1
	}
	return protocol.Pagination{Page: page, Limit: limit, TotalPages: totalPages, TotalResult: total}
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
