package search

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/textnorm"
)

// MatchType tells why a conversation matched. Lower values outrank higher ones.
type MatchType int

const (
	MatchPhone MatchType = iota
	MatchName
	MatchContent
)

func (m MatchType) String() string {
	switch m {
	case MatchPhone:
		return "identity_phone"
	case MatchName:
		return "identity_name"
	case MatchContent:
		return "content"
	}
	return "unknown"
}

// Result is one merged search hit.
type Result struct {
	Conversation *model.Conversation
	Message      *model.Message
	Match        MatchType
}

func (r Result) clone() Result {
	return Result{Conversation: r.Conversation.Clone(), Message: r.Message.Clone(), Match: r.Match}
}

const minPhoneDigits = 3

func (e *Engine) query(ctx context.Context, term string, filters model.Filters) ([]Result, error) {
	convs, err := e.backend.SearchConversations(ctx, term, e.cfg.IdentityLimit)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	if len(convs) > e.cfg.IdentityLimit {
		convs = convs[:e.cfg.IdentityLimit]
	}

	var results []Result
	seen := make(map[string]bool)
	for _, c := range convs {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		results = append(results, Result{Conversation: c.Clone(), Match: classify(term, c)})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := e.backend.SearchMessages(ctx, term, e.cfg.ContentLimit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	if len(msgs) > e.cfg.ContentLimit {
		msgs = msgs[:e.cfg.ContentLimit]
	}

	var missing []string
	excerpt := make(map[string]*model.Message)
	for _, m := range msgs {
		if seen[m.ConversationID] {
			continue
		}
		if _, ok := excerpt[m.ConversationID]; ok {
			continue
		}
		excerpt[m.ConversationID] = m
		missing = append(missing, m.ConversationID)
	}
	if len(missing) > e.cfg.FetchLimit {
		missing = missing[:e.cfg.FetchLimit]
	}

	if len(missing) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetched, err := e.backend.GetConversations(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch conversations: %w", err)
		}
		byID := make(map[string]*model.Conversation, len(fetched))
		for _, c := range fetched {
			byID[c.ID] = c
		}
		for _, id := range missing {
			c, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			results = append(results, Result{Conversation: c.Clone(), Message: excerpt[id].Clone(), Match: MatchContent})
		}
	}

	if filters.Empty() {
		return results, nil
	}
	filtered := results[:0]
	for _, r := range results {
		if filters.Match(r.Conversation) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// classify assigns the identity match type of a phase-one hit.
func classify(term string, c *model.Conversation) MatchType {
	if isPhoneTerm(term) {
		if strings.Contains(phoneDigits(c.ExternalID), textnorm.Digits(term)) {
			return MatchPhone
		}
	}
	return MatchName
}

func isPhoneTerm(term string) bool {
	digits := 0
	for _, r := range term {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-() .", r):
		default:
			return false
		}
	}
	return digits >= minPhoneDigits
}

// phoneDigits extracts the phone number from an external identifier, which
// is either a bare number or a user JID such as 5511999990000@s.whatsapp.net.
func phoneDigits(externalID string) string {
	if strings.Contains(externalID, "@") {
		jid, err := types.ParseJID(externalID)
		if err == nil && jid.Server == types.DefaultUserServer {
			return textnorm.Digits(jid.User)
		}
	}
	return textnorm.Digits(externalID)
}
