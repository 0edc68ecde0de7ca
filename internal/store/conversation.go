package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/remote"
	"github.com/stitchline/convsync/internal/textnorm"
)

const conversationColumns = `id, scope, channel_id, external_id, display_name, status, ai_managed,
	last_message_preview, last_message_at, unread_count, tag_ids`

type rowScanner interface {
	Scan(dest ...any) error
}

// ConversationRow is a stored conversation and the scope it belongs to.
type ConversationRow struct {
	Scope string
	model.Conversation
}

// conversationSearchKey is the folded text identity search matches against.
func conversationSearchKey(c *model.Conversation) string {
	return strings.Join([]string{
		textnorm.Fold(c.DisplayName),
		textnorm.Fold(c.ExternalID),
		textnorm.Digits(c.ExternalID),
	}, " ")
}

// UpsertConversation inserts or replaces a conversation.
func (db *DB) UpsertConversation(ctx context.Context, scope string, c *model.Conversation) error {
	tags, err := json.Marshal(nonNil(c.TagIDs))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, scope, channel_id, external_id, display_name, status, ai_managed,
			last_message_preview, last_message_at, unread_count, tag_ids, search_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			external_id = excluded.external_id,
			display_name = excluded.display_name,
			status = excluded.status,
			ai_managed = excluded.ai_managed,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			tag_ids = excluded.tag_ids,
			search_key = excluded.search_key,
			updated_at = excluded.updated_at`,
		c.ID, scope, c.ChannelID, c.ExternalID, c.DisplayName, string(c.Status), c.AIManaged,
		c.LastMessagePreview, toMillis(c.LastMessageAt), c.UnreadCount, string(tags),
		conversationSearchKey(c), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns one conversation or remote.ErrNotFound.
func (db *DB) GetConversation(ctx context.Context, id string) (*ConversationRow, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	r, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, remote.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListConversations returns the conversations of scope, most recent first.
func (db *DB) ListConversations(ctx context.Context, scope string) ([]*model.Conversation, error) {
	return db.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE scope = ?
		ORDER BY last_message_at IS NULL, last_message_at DESC, id`, scope)
}

// GetConversations returns the conversations with the given ids that exist.
func (db *DB) GetConversations(ctx context.Context, ids []string) ([]*model.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return db.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE id IN (`+placeholders+`)
		ORDER BY last_message_at IS NULL, last_message_at DESC, id`, args...)
}

// SearchConversations matches the folded term against name and external id.
// Digit-only terms also match the external id's digits ignoring formatting.
func (db *DB) SearchConversations(ctx context.Context, term string, limit int) ([]*model.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	folded := textnorm.Fold(term)
	if folded == "" {
		return nil, nil
	}
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE search_key LIKE ? ESCAPE '\'`
	args := []any{likePattern(folded)}
	if d := textnorm.Digits(term); d != "" && d != folded {
		q += ` OR search_key LIKE ? ESCAPE '\'`
		args = append(args, likePattern(d))
	}
	q += ` ORDER BY last_message_at IS NULL, last_message_at DESC, id LIMIT ?`
	args = append(args, limit)
	return db.queryConversations(ctx, q, args...)
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, remote.ErrNotFound)
	}
	return nil
}

func (db *DB) queryConversations(ctx context.Context, q string, args ...any) ([]*model.Conversation, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Conversation
	for rows.Next() {
		r, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		c := r.Conversation
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanConversation(s rowScanner) (*ConversationRow, error) {
	var (
		r      ConversationRow
		status string
		lastAt sql.NullInt64
		tags   string
	)
	err := s.Scan(&r.ID, &r.Scope, &r.ChannelID, &r.ExternalID, &r.DisplayName, &status, &r.AIManaged,
		&r.LastMessagePreview, &lastAt, &r.UnreadCount, &tags)
	if err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	r.LastMessageAt = fromMillis(lastAt)
	if err := json.Unmarshal([]byte(tags), &r.TagIDs); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", r.ID, err)
	}
	if len(r.TagIDs) == 0 {
		r.TagIDs = nil
	}
	return &r, nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
