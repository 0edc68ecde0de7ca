package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// ErrPairTimeout is returned when no QR code was scanned in time.
var ErrPairTimeout = errors.New("whatsapp pairing timed out")

// Pair links the device by printing each QR code to w until one is scanned.
func (b *Bridge) Pair(ctx context.Context, w io.Writer) error {
	if b.Paired() {
		return errors.New("whatsapp device already paired")
	}
	qrs, err := b.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}
	// GetQRChannel must run before Connect.
	if err := b.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for item := range qrs {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			_, _ = fmt.Fprintf(w, "\nScan with WhatsApp > Linked devices (valid %s):\n\n%s", item.Timeout, RenderQR(item.Code))
		case whatsmeow.QRChannelSuccess.Event:
			b.logger.Info("whatsapp paired", zap.String("account", b.client.Store.ID.User))
			return nil
		case whatsmeow.QRChannelTimeout.Event:
			return ErrPairTimeout
		default:
			if item.Error != nil {
				return fmt.Errorf("pair: %w", item.Error)
			}
			return fmt.Errorf("pair: %s", item.Event)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrPairTimeout
}

// RenderQR draws content as a terminal QR code. Two bitmap rows share one
// line through half-block characters.
func RenderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "(qr generation failed: " + err.Error() + ")\n"
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
