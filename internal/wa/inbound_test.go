package wa

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/store"
)

func TestBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("receipt")}}, "receipt"},
		{"image no caption", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"document name", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("nf.pdf")}}, "nf.pdf"},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := body(tt.msg); got != tt.want {
				t.Errorf("body() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		name   string
		msg    *waE2E.Message
		want   model.MessageType
		wantOK bool
	}{
		{"nil", nil, "", false},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, model.TypeText, true},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, model.TypeText, true},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, model.TypeImage, true},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, model.TypeVideo, true},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, model.TypeAudio, true},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, model.TypeDocument, true},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, model.TypeSticker, true},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "", false},
		{"empty message", &waE2E.Message{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := messageType(tt.msg)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("messageType() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func liveEvent(fromMe, group bool, msg *waE2E.Message) *events.Message {
	chat := types.NewJID("5511999990000", types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   chat,
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			ID:        "3EB0ABC",
			PushName:  "Marta",
			Timestamp: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestInbound(t *testing.T) {
	in, ok := Inbound("main", liveEvent(false, false, &waE2E.Message{Conversation: proto.String("oi")}))
	if !ok {
		t.Fatal("Inbound() rejected a customer text")
	}
	if in.ConversationID != "wa:5511999990000@s.whatsapp.net" {
		t.Errorf("ConversationID = %q", in.ConversationID)
	}
	if in.ExternalID != "5511999990000" || in.DisplayName != "Marta" || in.ChannelID != "whatsapp" {
		t.Errorf("identity = %+v", in)
	}
	if in.Type != model.TypeText || in.Content != "oi" || in.Scope != "main" {
		t.Errorf("message = %+v", in)
	}

	if _, ok := Inbound("main", liveEvent(true, false, &waE2E.Message{Conversation: proto.String("oi")})); ok {
		t.Error("own message should be skipped")
	}
	if _, ok := Inbound("main", liveEvent(false, true, &waE2E.Message{Conversation: proto.String("oi")})); ok {
		t.Error("group message should be skipped")
	}
	if _, ok := Inbound("main", liveEvent(false, false, &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}})); ok {
		t.Error("contact card should be skipped")
	}
	if _, ok := Inbound("main", nil); ok {
		t.Error("nil event should be skipped")
	}
}

func TestHandlerIngestsIntoLocalBackend(t *testing.T) {
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "wa.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	backend := store.NewBackend(db, store.NewHub(8, nil), nil, nil)
	h := NewHandler("main", backend, nil)

	h.Handle(&events.Connected{})
	for _, text := range []string{"oi", "tudo bem?"} {
		h.Handle(liveEvent(false, false, &waE2E.Message{Conversation: proto.String(text)}))
	}
	h.Handle(liveEvent(true, false, &waE2E.Message{Conversation: proto.String("own")}))
	h.Handle(liveEvent(false, true, &waE2E.Message{Conversation: proto.String("group")}))
	h.Handle(&events.Disconnected{})

	ctx := context.Background()
	convs, err := backend.ListConversations(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	c := convs[0]
	if c.UnreadCount != 2 || c.LastMessagePreview != "tudo bem?" || c.ExternalID != "5511999990000" {
		t.Errorf("conversation = %+v", c)
	}
	msgs, err := backend.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestBridgeUnpaired(t *testing.T) {
	b, err := OpenBridge(context.Background(), filepath.Join(t.TempDir(), "whatsapp.db"), NewHandler("main", nil, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Paired() {
		t.Error("Paired() = true for a fresh device store")
	}
	if err := b.Connect(); !errors.Is(err, ErrNotPaired) {
		t.Errorf("Connect() error = %v, want ErrNotPaired", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRenderQR(t *testing.T) {
	out := RenderQR("2@abc,def,ghi")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("qr has %d lines", len(lines))
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Error("qr has no block characters")
	}
}
