package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/store"
)

const ingestTimeout = 10 * time.Second

// Ingester records inbound messages. *store.Backend implements it.
type Ingester interface {
	Ingest(ctx context.Context, in store.InboundMessage) (*model.Message, error)
}

// Handler receives whatsmeow events and ingests incoming chat messages for
// one scope.
type Handler struct {
	scope    string
	ingester Ingester
	logger   *zap.Logger
}

// NewHandler creates a handler ingesting into ingester.
func NewHandler(scopeName string, ingester Ingester, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{scope: scopeName, ingester: ingester, logger: logger}
}

// Handle is registered with the whatsmeow client. Events other than messages
// are only logged.
func (h *Handler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Connected:
		h.logger.Info("whatsapp connected")
	case *events.Disconnected:
		h.logger.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		h.logger.Warn("whatsapp logged out", zap.String("reason", evt.Reason.String()))
	}
}

func (h *Handler) handleMessage(evt *events.Message) {
	in, ok := Inbound(h.scope, evt)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	m, err := h.ingester.Ingest(ctx, in)
	if err != nil {
		h.logger.Error("ingest whatsapp message",
			zap.String("conversation", in.ConversationID),
			zap.String("wa_id", evt.Info.ID),
			zap.Error(err),
		)
		return
	}
	h.logger.Debug("whatsapp message ingested",
		zap.String("conversation", in.ConversationID),
		zap.String("id", m.ID),
	)
}
