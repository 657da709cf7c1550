// Package push notifies offline recipients of new messages via web push.
// Delivery is best-effort: a failed push is logged and forgotten.
package push

import (
	"encoding/json"
	"log/slog"

	"tetatet/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const maxPreviewLen = 120

type Config struct {
	// VAPID key pair. If either key is empty the notifier is disabled.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address sent to the push service.
	Subscriber string
	Logger     *slog.Logger
}

type Notifier struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{cfg: cfg, logger: cfg.Logger}
}

// Enabled reports whether the notifier has keys to send with.
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.VAPIDPublicKey != "" && n.cfg.VAPIDPrivateKey != ""
}

type payload struct {
	SenderID string `json:"senderId"`
	Preview  string `json:"preview"`
}

// Notify sends a push notification about msg to the given subscription.
// The subscription is the browser-provided JSON blob, kept opaque until here.
func (n *Notifier) Notify(subscription []byte, msg models.Message) {
	if !n.Enabled() {
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil {
		n.logger.Error("invalid push subscription", "user_id", msg.ReceiverID, "error", err)
		return
	}

	preview := msg.Content
	if len(preview) > maxPreviewLen {
		preview = preview[:maxPreviewLen]
	}
	body, err := json.Marshal(payload{SenderID: msg.SenderID, Preview: preview})
	if err != nil {
		return
	}

	resp, err := webpush.SendNotification(body, &sub, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		n.logger.Error("push notification failed", "user_id", msg.ReceiverID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
