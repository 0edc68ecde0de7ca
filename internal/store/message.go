package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/textnorm"
)

const messageColumns = `id, conversation_id, direction, type, content, media_url, sent_at`

// InsertMessage stores a message. Re-inserting the same id updates it.
func (db *DB) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, type, content, media_url, sent_at, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			content = excluded.content,
			media_url = excluded.media_url,
			search_text = excluded.search_text`,
		m.ID, m.ConversationID, string(m.Direction), string(m.Type), m.Content, m.MediaURL,
		m.SentAt.UnixMilli(), textnorm.Fold(m.Content))
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns a conversation's messages oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at, id`, conversationID)
}

// SearchMessages matches the folded term against message content, newest first.
func (db *DB) SearchMessages(ctx context.Context, term string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	folded := textnorm.Fold(term)
	if folded == "" {
		return nil, nil
	}
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE search_text LIKE ? ESCAPE '\'
		ORDER BY sent_at DESC, id
		LIMIT ?`, likePattern(folded), limit)
}

func (db *DB) queryMessages(ctx context.Context, q string, args ...any) ([]*model.Message, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Message
	for rows.Next() {
		var (
			m         model.Message
			direction string
			typ       string
			mediaURL  sql.NullString
			sentAt    int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &typ, &m.Content, &mediaURL, &sentAt); err != nil {
			return nil, err
		}
		m.Direction = model.Direction(direction)
		m.Type = model.MessageType(typ)
		if mediaURL.Valid {
			u := mediaURL.String
			m.MediaURL = &u
		}
		m.SentAt = time.UnixMilli(sentAt).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
