package channel

import (
	"context"
	"errors"
	"fmt"
	"io"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// ErrPairingTimeout is returned when no QR code was scanned in time.
var ErrPairingTimeout = errors.New("whatsapp pairing timed out")

// Pair links a new device to the session store. QR codes are rendered to out
// until one is scanned; the returned channel ID is what a tenant registers as
// its channel.
func (w *WhatsAppSender) Pair(ctx context.Context, out io.Writer) (string, error) {
	if w.storeContainer == nil {
		return "", fmt.Errorf("whatsapp store not initialized")
	}

	device := w.storeContainer.NewDevice()
	client := whatsmeow.NewClient(device, waLog.Noop)

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return "", fmt.Errorf("get whatsapp qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return "", fmt.Errorf("connect whatsapp: %w", err)
	}
	defer client.Disconnect()

	if err := consumeQR(ctx, qrChan, out, w.log); err != nil {
		return "", err
	}
	if device.ID == nil {
		return "", fmt.Errorf("pairing finished without a device id")
	}
	return device.ID.ToNonAD().String(), nil
}

// consumeQR renders every code until the login succeeds or fails.
func consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem, out io.Writer, log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("whatsapp qr channel closed before login")
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				fmt.Fprintln(out, "Scan the QR code below with the coach's WhatsApp:")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
			case whatsmeow.QRChannelSuccess.Event:
				log.Info("device paired")
				return nil
			case whatsmeow.QRChannelTimeout.Event:
				return ErrPairingTimeout
			default:
				if evt.Error != nil {
					return fmt.Errorf("whatsapp login %s: %w", evt.Event, evt.Error)
				}
				return fmt.Errorf("whatsapp login %s", evt.Event)
			}
		}
	}
}
