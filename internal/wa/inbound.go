// Package wa turns WhatsApp message events into inbound messages for the
// local backend.
package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/store"
)

// ConversationID is the conversation a WhatsApp chat maps to.
func ConversationID(chat types.JID) string {
	return "wa:" + chat.ToNonAD().String()
}

// Inbound converts a live message event. It reports false for messages sent
// by the account itself, group chats and kinds with no model type.
func Inbound(scope string, evt *events.Message) (store.InboundMessage, bool) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return store.InboundMessage{}, false
	}
	typ, ok := messageType(evt.Message)
	if !ok {
		return store.InboundMessage{}, false
	}
	chat := evt.Info.Chat
	return store.InboundMessage{
		Scope:          scope,
		ConversationID: ConversationID(chat),
		ChannelID:      "whatsapp",
		ExternalID:     chat.User,
		DisplayName:    evt.Info.PushName,
		Type:           typ,
		Content:        body(evt.Message),
	}, true
}

// body is the text of a message, or the caption of a media message.
func body(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		if c := doc.GetCaption(); c != "" {
			return c
		}
		return doc.GetFileName()
	}
	return ""
}

func messageType(msg *waE2E.Message) (model.MessageType, bool) {
	if msg == nil {
		return "", false
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return model.TypeText, true
	case msg.GetImageMessage() != nil:
		return model.TypeImage, true
	case msg.GetVideoMessage() != nil:
		return model.TypeVideo, true
	case msg.GetAudioMessage() != nil:
		return model.TypeAudio, true
	case msg.GetDocumentMessage() != nil:
		return model.TypeDocument, true
	case msg.GetStickerMessage() != nil:
		return model.TypeSticker, true
	}
	return "", false
}
