package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/rafi-assistant/internal/httpkit"
)

// TelegramAPIURL is the Bot API base URL.
const TelegramAPIURL = "https://api.telegram.org"

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

// ProviderSwitcher is the slice of the LLM manager the /provider
// command needs.
type ProviderSwitcher interface {
	ActiveName() string
	Available() []string
	Switch(name string) (string, error)
}

// TelegramConfig holds the dependencies for a Telegram adapter.
type TelegramConfig struct {
	Token         string
	UserID        int64 // the only account allowed to talk to the bot
	AssistantName string
	ClientName    string

	BaseURL     string        // default TelegramAPIURL
	PollTimeout time.Duration // long-poll wait, default 30s

	Handler   Handler
	Providers ProviderSwitcher // optional, enables /provider
	Logger    *slog.Logger
}

// Telegram talks to the Bot API with long polling.
type Telegram struct {
	cfg     TelegramConfig
	logger  *slog.Logger
	backoff httpkit.Backoff

	mu     sync.Mutex
	client *http.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram creates a Telegram adapter. Nothing touches the network
// until Start.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = TelegramAPIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
		backoff: httpkit.Backoff{Base: time.Second, Max: time.Minute},
	}
}

func (t *Telegram) ID() string         { return IDTelegram }
func (t *Telegram) IsConfigured() bool { return t.cfg.Token != "" }

// Start verifies the token with getMe and begins polling for updates
// until Stop or ctx cancellation.
func (t *Telegram) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(t.cfg.PollTimeout+15*time.Second),
		httpkit.WithRetry(dialRetries, dialRetryDelay),
		httpkit.WithLogger(t.logger),
	)

	var me struct {
		Username string `json:"username"`
	}
	if err := t.call(ctx, client, "getMe", nil, &me); err != nil {
		httpkit.CloseIdle(client)
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	t.client = client
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.poll(pollCtx, client, t.done)

	t.logger.Info("telegram polling started", "bot", me.Username)
	return nil
}

// Stop ends polling and releases the HTTP client.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done, client := t.cancel, t.done, t.client
	t.cancel, t.done, t.client = nil, nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	httpkit.CloseIdle(client)
	t.logger.Info("telegram stopped")
	return nil
}

func (t *Telegram) httpClient() (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, fmt.Errorf("telegram: %w", ErrNotStarted)
	}
	return t.client, nil
}

// SendText sends text to a chat ID. Long text is split across
// several messages; the ID of the last one is returned.
func (t *Telegram) SendText(ctx context.Context, to, text string) (string, error) {
	client, err := t.httpClient()
	if err != nil {
		return "", err
	}
	var id string
	for _, chunk := range splitText(text, telegramMaxText) {
		var msg telegramMessage
		if err := t.call(ctx, client, "sendMessage", map[string]any{"chat_id": to, "text": chunk}, &msg); err != nil {
			return id, err
		}
		id = strconv.FormatInt(msg.MessageID, 10)
	}
	return id, nil
}

// SendMedia sends a photo by URL with text as the caption.
func (t *Telegram) SendMedia(ctx context.Context, to, text, mediaURL string) (string, error) {
	client, err := t.httpClient()
	if err != nil {
		return "", err
	}
	var msg telegramMessage
	err = t.call(ctx, client, "sendPhoto", map[string]any{
		"chat_id": to,
		"photo":   mediaURL,
		"caption": text,
	}, &msg)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// SendProactive messages the configured user.
func (t *Telegram) SendProactive(ctx context.Context, text string) error {
	if t.cfg.UserID == 0 {
		return errors.New("telegram: no user_id configured")
	}
	_, err := t.SendText(ctx, strconv.FormatInt(t.cfg.UserID, 10), text)
	return err
}

type telegramUser struct {
	ID int64 `json:"id"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *telegramUser `json:"from"`
	Chat      telegramChat  `json:"chat"`
	Text      string        `json:"text"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// stripURL drops the request URL from transport errors. Bot API URLs
// carry the token in their path.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// call invokes a Bot API method with a JSON body and decodes the
// result into out.
func (t *Telegram) call(ctx context.Context, client *http.Client, method string, params any, out any) error {
	var body io.Reader = http.NoBody
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, stripURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpkit.NewStatusError("telegram", resp)
	}

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram %s: %s", method, tr.Description)
	}
	if out != nil && len(tr.Result) > 0 {
		if err := json.Unmarshal(tr.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// poll long-polls getUpdates until ctx is cancelled. Errors back off
// exponentially.
func (t *Telegram) poll(ctx context.Context, client *http.Client, done chan struct{}) {
	defer close(done)

	var offset int64
	failures := 0
	for ctx.Err() == nil {
		var updates []telegramUpdate
		err := t.call(ctx, client, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(t.cfg.PollTimeout / time.Second),
			"allowed_updates": []string{"message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := t.backoff.Delay(failures)
			failures++
			t.logger.Warn("telegram poll failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message != nil {
				t.handleMessage(ctx, u.Message)
			}
		}
	}
}

// handleMessage authorizes the sender, dispatches commands and routes
// everything else through the handler.
func (t *Telegram) handleMessage(ctx context.Context, m *telegramMessage) {
	if m.From == nil || m.From.ID != t.cfg.UserID {
		var from int64
		if m.From != nil {
			from = m.From.ID
		}
		t.logger.Warn("telegram message from unauthorized user", "user_id", from)
		return
	}
	if m.Text == "" {
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	t.logger.Info("telegram message received", "chat_id", chatID, "message_len", len(m.Text))

	var reply string
	if strings.HasPrefix(m.Text, "/") {
		reply = t.command(m.Text)
	} else if t.cfg.Handler != nil {
		reply = t.cfg.Handler.Process(ctx, Message{
			Channel:  IDTelegram,
			SenderID: strconv.FormatInt(m.From.ID, 10),
			Text:     m.Text,
		})
	}
	if reply == "" {
		return
	}

	if _, err := t.SendText(ctx, chatID, reply); err != nil {
		t.logger.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// command answers a slash command.
func (t *Telegram) command(text string) string {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Commands may be addressed as /cmd@botname in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		return fmt.Sprintf("Hello %s! I'm %s, your personal assistant.\n\n"+
			"I can help you with:\n"+
			"- Email reading and sending\n"+
			"- Reminders and briefings\n"+
			"- Remembering our past conversations\n\n"+
			"Just send me a message to get started!\n"+
			"Use /help for more info.", t.cfg.ClientName, t.cfg.AssistantName)
	case "/help":
		return "Here's what I can do:\n\n" +
			"Email:\n" +
			"  \"Do I have any unread emails?\"\n" +
			"  \"Send an email to john@example.com\"\n\n" +
			"Reminders:\n" +
			"  \"Remind me to call the dentist at 3pm\"\n\n" +
			"Memory:\n" +
			"  \"What did we discuss about the project?\"\n\n" +
			"AI Provider:\n" +
			"  /provider - Show current AI provider\n" +
			"  /provider <name> - Switch provider (openai, claude, groq, gemini)"
	case "/provider":
		return t.providerCommand(fields[1:])
	}
	return "Unknown command. Use /help to see what I can do."
}

func (t *Telegram) providerCommand(args []string) string {
	if t.cfg.Providers == nil {
		return "Provider switching is not available."
	}

	if len(args) == 0 {
		active := t.cfg.Providers.ActiveName()
		var b strings.Builder
		fmt.Fprintf(&b, "Current provider: %s\n\nAvailable providers:\n", active)
		for _, name := range t.cfg.Providers.Available() {
			marker := ""
			if name == active {
				marker = " (active)"
			}
			fmt.Fprintf(&b, "  - %s%s\n", name, marker)
		}
		b.WriteString("\nSwitch with: /provider <name>")
		return b.String()
	}

	name, err := t.cfg.Providers.Switch(strings.ToLower(args[0]))
	if err != nil {
		return err.Error()
	}
	return "Switched to: " + name
}

// splitText cuts s into chunks of at most n runes, preferring line
// breaks.
func splitText(s string, n int) []string {
	r := []rune(s)
	if len(r) <= n {
		return []string{s}
	}
	var out []string
	for len(r) > n {
		cut := n
		for i := n - 1; i > n/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
