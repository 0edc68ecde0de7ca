package wa

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
)

// ErrNotPaired is returned by Connect before the device has been linked.
var ErrNotPaired = errors.New("whatsapp device is not paired")

// Bridge owns the whatsmeow client and its device store.
type Bridge struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
}

// OpenBridge opens the device store at dbPath. A nil handler registers no
// event handler, which is what pairing wants.
func OpenBridge(ctx context.Context, dbPath string, handler *Handler, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Device name shown in the phone's linked devices list.
	wastore.SetOSInfo("convsync", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), nil)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device: %w", err)
	}
	client := whatsmeow.NewClient(device, nil)
	if handler != nil {
		client.AddEventHandler(handler.Handle)
	}
	return &Bridge{client: client, container: container, logger: logger}, nil
}

// Paired reports whether the device store holds credentials.
func (b *Bridge) Paired() bool {
	return b.client.Store.ID != nil
}

// Connect starts the WhatsApp connection. whatsmeow reconnects on its own
// after drops.
func (b *Bridge) Connect() error {
	if !b.Paired() {
		return ErrNotPaired
	}
	b.logger.Info("connecting to whatsapp", zap.String("account", b.client.Store.ID.User))
	return b.client.Connect()
}

// Close disconnects and closes the device store.
func (b *Bridge) Close() error {
	b.client.Disconnect()
	return b.container.Close()
}
