package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists chats and messages in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const chatColumns = `id, participant_a, participant_b, last_message_id, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	c := &Chat{}
	var lastID sql.NullInt64
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &lastID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if lastID.Valid {
		c.LastMessageID = &lastID.Int64
	}
	return c, nil
}

// ResolveChat returns the chat for the canonical pair (a, b), creating it if
// absent. The unique constraint on the pair arbitrates concurrent creators:
// a loser's insert is a no-op and the follow-up select returns the winner's
// row, so the race never surfaces.
func (r *Repository) ResolveChat(ctx context.Context, a, b string) (*Chat, error) {
	if a > b {
		a, b = b, a
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chats (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`,
		uuid.NewString(), a, b)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, fmt.Errorf("%w: unknown participant", ErrInvalidArgument)
		}
		return nil, fmt.Errorf("%w: resolve chat: %v", ErrUnavailable, err)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE participant_a = $1 AND participant_b = $2`, a, b)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve chat: %v", ErrUnavailable, err)
	}
	return chat, nil
}

// GetChat returns a chat by id.
func (r *Repository) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chat %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get chat: %v", ErrUnavailable, err)
	}
	return chat, nil
}

// ListChats returns every chat the participant belongs to, newest activity
// first.
func (r *Repository) ListChats(ctx context.Context, participantID string) ([]*Chat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list chats: %v", ErrUnavailable, err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", ErrUnavailable, err)
	}
	return chats, nil
}

const messageColumns = `m.id, m.chat_id, m.sender_id, u.username, m.text,
	COALESCE(m.image_key, ''), COALESCE(m.image_type, ''), m.edited, m.created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Text,
		&m.ImageKey, &m.ImageType, &m.Edited, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// InsertMessage appends a message and advances the chat's last-message
// pointer and updated_at in the same transaction, so the denormalized pointer
// can never disagree with the timeline.
func (r *Repository) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, sender_id, text, image_key, image_type)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		RETURNING id, created_at`,
		m.ChatID, m.SenderID, m.Text, m.ImageKey, m.ImageType).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET last_message_id = $1, updated_at = $2 WHERE id = $3`,
		m.ID, m.CreatedAt, m.ChatID)
	if err != nil {
		return nil, fmt.Errorf("%w: update chat pointer: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", ErrUnavailable, err)
	}
	return m, nil
}

// GetMessage returns a message by id with its sender's name.
func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get message: %v", ErrUnavailable, err)
	}
	return m, nil
}

// PageMessages returns up to limit messages of a chat strictly older than the
// cursor (or the newest ones when the cursor is nil), newest first. The
// caller reverses into chronological order.
func (r *Repository) PageMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.chat_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`, chatID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.sender_id
			WHERE m.chat_id = $1 AND (m.created_at, m.id) < ($2, $3)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $4`, chatID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: page messages: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: page messages: %v", ErrUnavailable, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: page messages: %v", ErrUnavailable, err)
	}
	return messages, nil
}

// UpdateMessageText overwrites the text and marks the message edited.
func (r *Repository) UpdateMessageText(ctx context.Context, id int64, text string) (*Message, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages SET text = $1, edited = TRUE WHERE id = $2`, text, id)
	if err != nil {
		return nil, fmt.Errorf("%w: edit message: %v", ErrUnavailable, err)
	}
	return r.GetMessage(ctx, id)
}

// DeleteMessage removes the message. When it was the chat's last message, the
// pointer is recomputed to the newest remaining message (or cleared) inside
// the same transaction.
func (r *Repository) DeleteMessage(ctx context.Context, m *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: delete message: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, m.ID)
	if err != nil {
		return fmt.Errorf("%w: delete message: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %d", ErrNotFound, m.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET
			last_message_id = (
				SELECT id FROM messages
				WHERE chat_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT 1
			),
			updated_at = $2
		WHERE id = $1 AND last_message_id = $3`,
		m.ChatID, time.Now().UTC(), m.ID)
	if err != nil {
		return fmt.Errorf("%w: update chat pointer: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: delete message: %v", ErrUnavailable, err)
	}
	return nil
}
