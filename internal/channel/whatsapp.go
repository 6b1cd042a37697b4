package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/retentiond/internal/config"
	"github.com/stellarlinkco/retentiond/internal/tenant"

	_ "modernc.org/sqlite"
)

const whatsappSendTimeout = 30 * time.Second

// whatsAppClient is the part of *whatsmeow.Client the sender uses.
type whatsAppClient interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// WhatsAppSender holds one whatsmeow session per paired tenant device. Devices
// are paired elsewhere; the sender only reconnects what the session store holds.
type WhatsAppSender struct {
	storeContainer *sqlstore.Container
	hooks          Hooks
	log            *zap.Logger

	mu      sync.RWMutex
	clients map[string]whatsAppClient
}

func NewWhatsApp(ctx context.Context, cfg config.WhatsAppConfig, hooks Hooks, log *zap.Logger) (*WhatsAppSender, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}

	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(ctx, "sqlite", storeDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}

	w := newWhatsAppSender(hooks, log)
	w.storeContainer = container
	return w, nil
}

func newWhatsAppSender(hooks Hooks, log *zap.Logger) *WhatsAppSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &WhatsAppSender{
		hooks:   hooks,
		log:     log.Named(tenant.ChannelWhatsApp),
		clients: make(map[string]whatsAppClient),
	}
}

func (w *WhatsAppSender) Kind() string {
	return tenant.ChannelWhatsApp
}

// Start connects every paired device in the session store. A device that fails
// to connect is reported as disconnected and does not stop the others.
func (w *WhatsAppSender) Start(ctx context.Context) error {
	if w.storeContainer == nil {
		return fmt.Errorf("whatsapp store not initialized")
	}

	devices, err := w.storeContainer.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list whatsapp devices: %w", err)
	}

	for _, device := range devices {
		if device.ID == nil {
			continue
		}
		channelID := device.ID.ToNonAD().String()
		client := whatsmeow.NewClient(device, waLog.Noop)
		client.AddEventHandler(w.eventHandler(channelID))

		if err := client.Connect(); err != nil {
			w.log.Warn("connect device failed", zap.String("channel_id", channelID), zap.Error(err))
			w.hooks.connection(w.Kind(), channelID, false)
			continue
		}
		w.Attach(channelID, client)
		w.log.Info("device connected", zap.String("channel_id", channelID))
	}
	return nil
}

// Attach registers a live session for channelID.
func (w *WhatsAppSender) Attach(channelID string, client whatsAppClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clients[channelKey(channelID)] = client
}

func (w *WhatsAppSender) Stop() error {
	w.mu.Lock()
	for id, client := range w.clients {
		client.Disconnect()
		delete(w.clients, id)
	}
	w.mu.Unlock()

	if w.storeContainer != nil {
		if err := w.storeContainer.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.storeContainer = nil
	}

	w.log.Info("stopped")
	return nil
}

// Send delivers text to the client's phone from the tenant's device.
func (w *WhatsAppSender) Send(ctx context.Context, channelID string, c tenant.Client, text string) error {
	w.mu.RLock()
	client, ok := w.clients[channelKey(channelID)]
	w.mu.RUnlock()
	if !ok || !client.IsConnected() {
		return fmt.Errorf("whatsapp %s: %w", channelID, ErrChannelNotConnected)
	}

	to, err := parseWhatsAppJID(c.Phone)
	if err != nil {
		return fmt.Errorf("parse whatsapp recipient %q: %w", c.Phone, err)
	}

	content := strings.TrimSpace(text)
	if content == "" {
		return fmt.Errorf("whatsapp message is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, whatsappSendTimeout)
	defer cancel()

	_, err = client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(content),
	})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (w *WhatsAppSender) eventHandler(channelID string) func(interface{}) {
	return func(evt interface{}) {
		switch e := evt.(type) {
		case *events.Connected:
			w.hooks.connection(w.Kind(), channelID, true)
		case *events.Disconnected:
			w.hooks.connection(w.Kind(), channelID, false)
		case *events.LoggedOut:
			w.log.Warn("device logged out", zap.String("channel_id", channelID))
			w.hooks.connection(w.Kind(), channelID, false)
		case *events.Message:
			w.handleMessage(channelID, e)
		}
	}
}

// handleMessage forwards direct text messages from clients. Group chats and
// the tenant's own messages are ignored.
func (w *WhatsAppSender) handleMessage(channelID string, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	sender := evt.Info.Sender.ToNonAD()
	if sender.Server == types.HiddenUserServer && !evt.Info.SenderAlt.IsEmpty() {
		sender = evt.Info.SenderAlt.ToNonAD()
	}
	if sender.Server != types.DefaultUserServer {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	w.hooks.inbound(Inbound{
		Kind:      w.Kind(),
		ChannelID: channelID,
		MessageID: string(evt.Info.ID),
		Sender:    sender.User,
		Text:      text,
		At:        evt.Info.Timestamp,
	})
}

func extractText(msg *waE2E.Message) string {
	content := strings.TrimSpace(msg.GetConversation())
	if content == "" && msg.GetExtendedTextMessage() != nil {
		content = strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	}
	if content == "" && msg.GetImageMessage() != nil {
		content = strings.TrimSpace(msg.GetImageMessage().GetCaption())
	}
	return content
}

// channelKey normalizes a device JID so AD and non-AD forms match.
func channelKey(channelID string) string {
	jid, err := parseWhatsAppJID(channelID)
	if err != nil {
		return strings.TrimSpace(channelID)
	}
	return jid.ToNonAD().String()
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}

	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}

	user := strings.TrimPrefix(raw, "+")
	if isDigitsOnly(user) {
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	return types.ParseJID(raw)
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
