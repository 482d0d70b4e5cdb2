// Package channels connects Rafi to messaging surfaces. Each surface
// is an [Adapter]; the [Manager] owns their lifecycle and routes
// proactive messages (heartbeat alerts, reminders, briefings) to the
// preferred channel with fallback.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel identifiers.
const (
	IDTelegram = "telegram"
	IDWhatsApp = "whatsapp"
	IDDiscord  = "discord"
	IDSlack    = "slack"
)

// Dial-level retry for the Telegram and Twilio clients.
const (
	dialRetries    = 3
	dialRetryDelay = 2 * time.Second
)

// ErrNotImplemented is returned by adapters for surfaces that exist
// in configuration but have no working transport yet.
var ErrNotImplemented = errors.New("channel not implemented")

// ErrNotStarted is returned when sending through an adapter whose
// outbound client has not been created by Start.
var ErrNotStarted = errors.New("channel not started")

// Adapter is one messaging surface. The outbound client is created by
// Start and released by Stop.
type Adapter interface {
	ID() string
	IsConfigured() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// SendText delivers text to the recipient and returns the
	// provider's message identifier.
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to, text, mediaURL string) (string, error)
}

// ProactiveSender is implemented by adapters that can reach the owner
// without a prior inbound message.
type ProactiveSender interface {
	SendProactive(ctx context.Context, text string) error
}

// Message is an inbound message normalized across surfaces.
type Message struct {
	Channel  string
	SenderID string
	Text     string
	MediaURL string
	ThreadID string
}

// Handler turns an inbound message into a reply. [Processor] is the
// production implementation.
type Handler interface {
	Process(ctx context.Context, msg Message) string
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, msg Message) string

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, msg Message) string { return f(ctx, msg) }

// Result is the structured outcome of a manager send. Failures are
// reported under the "error" key rather than returned.
type Result = map[string]any

// SendOptions carries optional parameters for [Manager.SendToChannel].
type SendOptions struct {
	MediaURL string
}
