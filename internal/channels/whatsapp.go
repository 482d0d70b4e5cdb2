package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/rafi-assistant/internal/httpkit"
)

// TwilioAPIURL is the Twilio REST base URL.
const TwilioAPIURL = "https://api.twilio.com"

// EmptyTwiML acknowledges a webhook without replying inline. Replies
// go out through the REST API.
const EmptyTwiML = "<Response></Response>"

const whatsappPrefix = "whatsapp:"

// defaultInboundRateLimit caps webhook messages per sender per minute.
const defaultInboundRateLimit = 20

// WhatsAppConfig holds the dependencies for a WhatsApp adapter.
type WhatsAppConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string // the Twilio sender, E.164
	ClientPhone string // proactive recipient, E.164

	// WebhookURL is the public URL Twilio posts to. Signatures are
	// computed over it, so it must match the console setting exactly.
	WebhookURL        string
	ValidateSignature bool

	BaseURL   string // default TwilioAPIURL
	RateLimit int    // inbound messages per sender per minute; default 20, negative disables

	Handler Handler
	Logger  *slog.Logger
}

// WhatsApp sends through the Twilio Messages API and receives through
// the Twilio webhook.
type WhatsApp struct {
	cfg     WhatsAppConfig
	logger  *slog.Logger
	limiter *rateLimiter

	mu     sync.Mutex
	client *http.Client
}

// NewWhatsApp creates a WhatsApp adapter.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.BaseURL == "" {
		cfg.BaseURL = TwilioAPIURL
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultInboundRateLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:     cfg,
		logger:  logger.With("component", "whatsapp"),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (w *WhatsApp) ID() string { return IDWhatsApp }

func (w *WhatsApp) IsConfigured() bool {
	return w.cfg.AccountSID != "" && w.cfg.AuthToken != "" && w.cfg.PhoneNumber != ""
}

// Start creates the REST client.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		w.client = httpkit.NewClient(httpkit.WithRetry(dialRetries, dialRetryDelay), httpkit.WithLogger(w.logger))
		w.logger.Info("whatsapp adapter ready", "from", w.cfg.PhoneNumber)
	}
	return nil
}

// Stop releases the REST client.
func (w *WhatsApp) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	httpkit.CloseIdle(w.client)
	w.client = nil
	return nil
}

// SendText sends a WhatsApp message and returns the message SID.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) (string, error) {
	return w.send(ctx, to, text, "")
}

// SendMedia sends a message with one media attachment.
func (w *WhatsApp) SendMedia(ctx context.Context, to, text, mediaURL string) (string, error) {
	return w.send(ctx, to, text, mediaURL)
}

// SendProactive messages the configured client phone.
func (w *WhatsApp) SendProactive(ctx context.Context, text string) error {
	if w.cfg.ClientPhone == "" {
		return fmt.Errorf("whatsapp: no client_phone configured")
	}
	_, err := w.SendText(ctx, w.cfg.ClientPhone, text)
	return err
}

func withPrefix(number string) string {
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}

func (w *WhatsApp) send(ctx context.Context, to, text, mediaURL string) (string, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("whatsapp: %w", ErrNotStarted)
	}

	form := url.Values{
		"From": {withPrefix(w.cfg.PhoneNumber)},
		"To":   {withPrefix(to)},
		"Body": {text},
	}
	if mediaURL != "" {
		form.Set("MediaUrl", mediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(w.cfg.BaseURL, "/"), url.PathEscape(w.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(w.cfg.AccountSID, w.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", httpkit.NewStatusError("twilio", resp)
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whatsapp send: decode: %w", err)
	}
	w.logger.Debug("whatsapp message queued", "sid", out.SID, "status", out.Status)
	return out.SID, nil
}

// HandleInbound processes a webhook form and returns the TwiML
// acknowledgment. The reply, if any, is sent through the REST API
// before returning.
func (w *WhatsApp) HandleInbound(ctx context.Context, form url.Values) string {
	body := strings.TrimSpace(form.Get("Body"))
	sender := strings.TrimPrefix(form.Get("From"), whatsappPrefix)
	mediaURL := form.Get("MediaUrl0")

	if body == "" && mediaURL == "" {
		return EmptyTwiML
	}
	if !w.limiter.allow(sender) {
		w.logger.Warn("whatsapp message rate-limited", "sender", sender)
		return EmptyTwiML
	}
	if w.cfg.Handler == nil {
		w.logger.Warn("whatsapp message dropped, no handler", "sender", sender)
		return EmptyTwiML
	}

	w.logger.Info("whatsapp message received",
		"sender", sender,
		"message_len", len(body),
		"media", mediaURL != "",
	)

	reply := w.cfg.Handler.Process(ctx, Message{
		Channel:  IDWhatsApp,
		SenderID: sender,
		Text:     body,
		MediaURL: mediaURL,
	})
	if reply != "" {
		if _, err := w.SendText(ctx, sender, reply); err != nil {
			w.logger.Error("whatsapp reply failed", "sender", sender, "error", err)
		}
	}
	return EmptyTwiML
}

// VerifyRequest checks the X-Twilio-Signature header of a parsed
// webhook request. It always passes when validation is disabled.
func (w *WhatsApp) VerifyRequest(r *http.Request) bool {
	if !w.cfg.ValidateSignature {
		return true
	}
	u := w.cfg.WebhookURL
	if u == "" {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			scheme = "http"
		}
		u = scheme + "://" + r.Host + r.URL.RequestURI()
	}
	ok := ValidateTwilioSignature(w.cfg.AuthToken, u, r.PostForm, r.Header.Get("X-Twilio-Signature"))
	if !ok {
		w.logger.Warn("twilio signature mismatch", "url", u)
	}
	return ok
}

// TwilioSignature computes the request signature Twilio sends: the
// base64 HMAC-SHA1 of the URL followed by each form key and value in
// key order.
func TwilioSignature(authToken, requestURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(requestURL)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateTwilioSignature reports whether signature matches the
// expected signature for the request.
func ValidateTwilioSignature(authToken, requestURL string, form url.Values, signature string) bool {
	if signature == "" || authToken == "" {
		return false
	}
	want := TwilioSignature(authToken, requestURL, form)
	return hmac.Equal([]byte(want), []byte(signature))
}
