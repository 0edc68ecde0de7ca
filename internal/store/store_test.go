package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stitchline/convsync/internal/clock"
	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/remote"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func at(h, m int) *time.Time {
	t := time.Date(2026, 4, 1, h, m, 0, 0, time.UTC)
	return &t
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + search keys)", result.Version)
	}
}

func TestOpenMigratedFreshAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convsync.db")
	db, err := OpenMigrated(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 2 || result.Version != 2 || result.Changed {
		t.Errorf("reopen result = %+v, want from=2 version=2 unchanged", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	convs := []*model.Conversation{
		{ID: "a", DisplayName: "Ana", Status: model.StatusOpen, LastMessageAt: at(9, 0)},
		{ID: "b", DisplayName: "Bia", Status: model.StatusOpen, LastMessageAt: at(10, 0), TagIDs: []string{"vip"}},
		{ID: "n", DisplayName: "Nova", Status: model.StatusOpen},
	}
	for _, c := range convs {
		if err := db.UpsertConversation(ctx, "main", c); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertConversation(ctx, "other", &model.Conversation{ID: "x", Status: model.StatusOpen}); err != nil {
		t.Fatal(err)
	}

	// Update in place.
	convs[0].DisplayName = "Ana Maria"
	if err := db.UpsertConversation(ctx, "main", convs[0]); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListConversations(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	if want := []string{"b", "a", "n"}; !equal(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if got[1].DisplayName != "Ana Maria" {
		t.Errorf("name = %q, want Ana Maria", got[1].DisplayName)
	}
	if len(got[0].TagIDs) != 1 || got[0].TagIDs[0] != "vip" {
		t.Errorf("tags = %v, want [vip]", got[0].TagIDs)
	}
	if got[2].LastMessageAt != nil {
		t.Errorf("last_message_at = %v, want nil", got[2].LastMessageAt)
	}
	if !got[0].LastMessageAt.Equal(*at(10, 0)) {
		t.Errorf("last_message_at = %v, want 10:00", got[0].LastMessageAt)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetConversation(context.Background(), "missing")
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := db.DeleteConversation(context.Background(), "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func TestSearchConversationsFoldsAccentsAndDigits(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, c := range []*model.Conversation{
		{ID: "jose", DisplayName: "José Álvarez", ExternalID: "+55 (11) 99999-0000", Status: model.StatusOpen},
		{ID: "pct", DisplayName: "100% Loja", Status: model.StatusOpen},
		{ID: "other", DisplayName: "Maria", ExternalID: "5521988887777@s.whatsapp.net", Status: model.StatusOpen},
	} {
		if err := db.UpsertConversation(ctx, "main", c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		term string
		want []string
	}{
		{"JOSE alv", []string{"jose"}},
		{"11 99999", []string{"jose"}},
		{"55219888", []string{"other"}},
		{"%", []string{"pct"}},
		{"zzz", nil},
		{"  ", nil},
	}
	for _, tt := range tests {
		got, err := db.SearchConversations(ctx, tt.term, 10)
		if err != nil {
			t.Fatalf("%q: %v", tt.term, err)
		}
		var ids []string
		for _, c := range got {
			ids = append(ids, c.ID)
		}
		if !equal(ids, tt.want) {
			t.Errorf("search %q = %v, want %v", tt.term, ids, tt.want)
		}
	}
}

func TestMessagesListSearchAndCascade(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertConversation(ctx, "main", &model.Conversation{ID: "c", Status: model.StatusOpen}); err != nil {
		t.Fatal(err)
	}
	url := "https://cdn.example/p.jpg"
	msgs := []*model.Message{
		{ID: "m2", ConversationID: "c", Direction: model.Outbound, Type: model.TypeText, Content: "Até amanhã", SentAt: *at(11, 0)},
		{ID: "m1", ConversationID: "c", Direction: model.Inbound, Type: model.TypeImage, MediaURL: &url, SentAt: *at(10, 0)},
	}
	for _, m := range msgs {
		if err := db.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	list, err := db.ListMessages(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "m1" || list[1].ID != "m2" {
		t.Fatalf("list = %v, want m1, m2", list)
	}
	if list[0].MediaURL == nil || *list[0].MediaURL != url {
		t.Errorf("media_url = %v, want %s", list[0].MediaURL, url)
	}
	if list[1].MediaURL != nil {
		t.Errorf("media_url = %v, want nil", *list[1].MediaURL)
	}

	hits, err := db.SearchMessages(ctx, "ate amanha", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "m2" {
		t.Fatalf("hits = %v, want m2", hits)
	}

	if err := db.DeleteConversation(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	list, err = db.ListMessages(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("got %d messages after delete, want 0", len(list))
	}
}

type collector struct {
	mu       sync.Mutex
	events   []model.Event
	statuses []remote.TransportStatus
}

func (c *collector) onEvent(raw []byte) {
	evt, err := model.ParseEvent(raw)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) onStatus(st remote.TransportStatus, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, st)
}

func (c *collector) waitEvents(t *testing.T, n int) []model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]model.Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *collector) waitStatus(t *testing.T, n int) []remote.TransportStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.statuses) >= n {
			out := append([]remote.TransportStatus(nil), c.statuses...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d statuses", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackendPublishesEveryWrite(t *testing.T) {
	db := testDB(t)
	hub := NewHub(16, nil)
	defer hub.Close()
	clk := clock.NewFake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	b := NewBackend(db, hub, clk, nil)
	ctx := context.Background()

	col := &collector{}
	sub, err := hub.Subscribe("main", col.onEvent, col.onStatus)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if st := col.waitStatus(t, 1); st[0] != remote.Subscribed {
		t.Fatalf("status = %v, want SUBSCRIBED", st)
	}

	if _, err := b.Ingest(ctx, InboundMessage{ConversationID: "c1", ExternalID: "5511999990000", DisplayName: "Ana", Content: "oi"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if err := b.SendMessage(ctx, "c1", "olá"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetConversationField(ctx, "c1", model.FieldAIManaged, true); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	events := col.waitEvents(t, 7)
	want := []struct {
		entity model.EntityType
		op     model.Op
	}{
		{model.EntityConversation, model.OpInsert},
		{model.EntityMessage, model.OpInsert},
		{model.EntityConversation, model.OpUpdate},
		{model.EntityMessage, model.OpInsert},
		{model.EntityConversation, model.OpUpdate},
		{model.EntityConversation, model.OpUpdate},
		{model.EntityConversation, model.OpDelete},
	}
	for i, w := range want {
		if events[i].Entity != w.entity || events[i].Op != w.op {
			t.Errorf("event %d = %s/%s, want %s/%s", i, events[i].Entity, events[i].Op, w.entity, w.op)
		}
	}
	if p := events[2].Conversation; p.UnreadCount == nil || *p.UnreadCount != 1 {
		t.Errorf("unread after ingest = %v, want 1", p.UnreadCount)
	}
	if p := events[4].Conversation; p.LastMessagePreview == nil || *p.LastMessagePreview != "olá" {
		t.Errorf("preview after send = %v, want olá", p.LastMessagePreview)
	}
	if p := events[5].Conversation; p.AIManaged == nil || !*p.AIManaged {
		t.Errorf("ai_managed = %v, want true", p.AIManaged)
	}
}

func TestBackendErrors(t *testing.T) {
	db := testDB(t)
	hub := NewHub(0, nil)
	defer hub.Close()
	b := NewBackend(db, hub, nil, nil)
	ctx := context.Background()

	if err := b.SendMessage(ctx, "missing", "x"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("send err = %v, want ErrNotFound", err)
	}
	if err := b.DeleteConversation(ctx, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
	if err := b.Seed(ctx, "main", &model.Conversation{ID: "c", Status: model.StatusOpen}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetConversationField(ctx, "c", model.FieldStatus, "archived"); err == nil {
		t.Error("invalid status accepted")
	}
	if _, err := b.Ingest(ctx, InboundMessage{}); err == nil {
		t.Error("ingest without conversation accepted")
	}
}

func TestHubOverflowFailsSubscriber(t *testing.T) {
	hub := NewHub(1, nil)
	defer hub.Close()

	block := make(chan struct{})
	col := &collector{}
	_, err := hub.Subscribe("main", func(raw []byte) { <-block }, col.onStatus)
	if err != nil {
		t.Fatal(err)
	}
	col.waitStatus(t, 1)

	raw, _ := model.EncodeDelete(model.EntityConversation, "c")
	for i := 0; i < 3; i++ {
		hub.Publish("main", raw)
	}
	close(block)

	st := col.waitStatus(t, 2)
	if st[1] != remote.ChannelError {
		t.Fatalf("status = %v, want CHANNEL_ERROR", st[1])
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestHubCloseAndScopes(t *testing.T) {
	hub := NewHub(4, nil)
	main, other := &collector{}, &collector{}
	if _, err := hub.Subscribe("main", main.onEvent, main.onStatus); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Subscribe("other", other.onEvent, other.onStatus); err != nil {
		t.Fatal(err)
	}
	main.waitStatus(t, 1)
	other.waitStatus(t, 1)

	raw, _ := model.EncodeDelete(model.EntityConversation, "c")
	hub.Publish("main", raw)
	main.waitEvents(t, 1)

	hub.Close()
	if st := main.waitStatus(t, 2); st[1] != remote.Closed {
		t.Errorf("status = %v, want CLOSED", st[1])
	}
	other.mu.Lock()
	n := len(other.events)
	other.mu.Unlock()
	if n != 0 {
		t.Errorf("other scope received %d events", n)
	}
	if _, err := hub.Subscribe("main", main.onEvent, main.onStatus); !errors.Is(err, ErrHubClosed) {
		t.Errorf("subscribe after close err = %v", err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
