package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBotAPI serves getMe, getUpdates and sendMessage. Updates are
// handed out once; sent messages are recorded.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []map[string]any
	sent    []map[string]any
	sentCh  chan map[string]any
}

func newFakeBotAPI(t *testing.T, updates ...map[string]any) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	f := &fakeBotAPI{updates: updates, sentCh: make(chan map[string]any, 10)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/botTOKEN/") {
			http.Error(w, `{"ok":false,"description":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/botTOKEN/")
		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)

		switch method {
		case "getMe":
			w.Write([]byte(`{"ok":true,"result":{"id":1,"username":"rafi_bot"}}`))
		case "getUpdates":
			f.mu.Lock()
			ups := f.updates
			f.updates = nil
			f.mu.Unlock()
			if len(ups) == 0 {
				// Emulate a short long-poll.
				select {
				case <-r.Context().Done():
				case <-time.After(20 * time.Millisecond):
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": ups})
		case "sendMessage", "sendPhoto":
			f.mu.Lock()
			f.sent = append(f.sent, params)
			f.mu.Unlock()
			f.sentCh <- params
			w.Write([]byte(`{"ok":true,"result":{"message_id":77,"chat":{"id":5}}}`))
		default:
			w.Write([]byte(`{"ok":false,"description":"unknown method"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func textUpdate(id int64, from int64, text string) map[string]any {
	return map[string]any{
		"update_id": id,
		"message": map[string]any{
			"message_id": id,
			"from":       map[string]any{"id": from},
			"chat":       map[string]any{"id": from},
			"text":       text,
		},
	}
}

type fakeSwitcher struct {
	active string
}

func (f *fakeSwitcher) ActiveName() string  { return f.active }
func (f *fakeSwitcher) Available() []string { return []string{"openai", "anthropic"} }
func (f *fakeSwitcher) Switch(name string) (string, error) {
	if name == "claude" || name == "anthropic" {
		f.active = "anthropic"
		return f.active, nil
	}
	return "", errors.New("unknown provider: " + name)
}

func waitSent(t *testing.T, f *fakeBotAPI) map[string]any {
	t.Helper()
	select {
	case p := <-f.sentCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent message")
		return nil
	}
}

func TestTelegram_RoutesAuthorizedMessages(t *testing.T) {
	api, srv := newFakeBotAPI(t,
		textUpdate(1, 999, "let me in"),
		textUpdate(2, 42, "hello"),
	)

	var got []Message
	var mu sync.Mutex
	tg := NewTelegram(TelegramConfig{
		Token:       "TOKEN",
		UserID:      42,
		BaseURL:     srv.URL,
		PollTimeout: time.Second,
		Handler: HandlerFunc(func(_ context.Context, m Message) string {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			return "hi back"
		}),
	})

	ctx := t.Context()
	if err := tg.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer tg.Stop(context.Background())

	sent := waitSent(t, api)
	if sent["text"] != "hi back" || sent["chat_id"] != "42" {
		t.Errorf("sent = %v, want reply to chat 42", sent)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Text != "hello" || got[0].Channel != IDTelegram || got[0].SenderID != "42" {
		t.Errorf("handled = %+v, want only the authorized message", got)
	}
}

func TestTelegram_ProviderCommand(t *testing.T) {
	api, srv := newFakeBotAPI(t,
		textUpdate(1, 42, "/provider"),
		textUpdate(2, 42, "/provider Claude"),
	)
	sw := &fakeSwitcher{active: "openai"}
	tg := NewTelegram(TelegramConfig{Token: "TOKEN", UserID: 42, BaseURL: srv.URL, PollTimeout: time.Second, Providers: sw})

	if err := tg.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer tg.Stop(context.Background())

	list := waitSent(t, api)["text"].(string)
	if !strings.Contains(list, "Current provider: openai") || !strings.Contains(list, "- openai (active)") {
		t.Errorf("/provider reply = %q", list)
	}
	if got := waitSent(t, api)["text"]; got != "Switched to: anthropic" {
		t.Errorf("/provider Claude reply = %v", got)
	}
}

func TestTelegram_Commands(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "T", AssistantName: "Rafi", ClientName: "Ana"})
	tests := []struct {
		in       string
		contains string
	}{
		{"/start", "Hello Ana! I'm Rafi"},
		{"/start@rafi_bot", "Hello Ana!"},
		{"/help", "/provider <name>"},
		{"/provider", "Provider switching is not available."},
		{"/weather", "Unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := tg.command(tt.in); !strings.Contains(got, tt.contains) {
				t.Errorf("command(%q) = %q, want it to contain %q", tt.in, got, tt.contains)
			}
		})
	}
}

func TestTelegram_StartBadToken(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	tg := NewTelegram(TelegramConfig{Token: "WRONG", BaseURL: srv.URL})
	if err := tg.Start(t.Context()); err == nil {
		tg.Stop(context.Background())
		t.Fatal("Start() with a bad token succeeded")
	}
}

func TestTelegram_SendBeforeStart(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "TOKEN", UserID: 42})
	if err := tg.SendProactive(context.Background(), "x"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SendProactive() error = %v, want ErrNotStarted", err)
	}
	if !tg.IsConfigured() || NewTelegram(TelegramConfig{}).IsConfigured() {
		t.Error("IsConfigured should follow the token")
	}
}

func TestTelegram_SendProactiveAndMedia(t *testing.T) {
	api, srv := newFakeBotAPI(t)
	tg := NewTelegram(TelegramConfig{Token: "TOKEN", UserID: 42, BaseURL: srv.URL, PollTimeout: time.Second})
	if err := tg.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer tg.Stop(context.Background())

	if err := tg.SendProactive(context.Background(), "reminder"); err != nil {
		t.Fatalf("SendProactive() error: %v", err)
	}
	if p := waitSent(t, api); p["chat_id"] != "42" || p["text"] != "reminder" {
		t.Errorf("proactive send = %v", p)
	}

	id, err := tg.SendMedia(context.Background(), "42", "look", "https://example.com/a.png")
	if err != nil || id != "77" {
		t.Fatalf("SendMedia() = %q, %v", id, err)
	}
	if p := waitSent(t, api); p["photo"] != "https://example.com/a.png" || p["caption"] != "look" {
		t.Errorf("photo send = %v", p)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 {
		t.Errorf("splitText(short) = %v", got)
	}

	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" || got[1] != strings.Repeat("b", 8) {
		t.Errorf("splitText() = %q, want split at the newline", got)
	}
	if strings.Join(got, "") != s {
		t.Error("splitText lost text")
	}

	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Errorf("splitText(25 runes) = %v, want 10/10/5", got)
	}
}

func TestTelegram_TransportErrorHidesToken(t *testing.T) {
	const token = "123456:SECRET-BOT-TOKEN"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: token, UserID: 42, BaseURL: srv.URL})
	err := tg.Start(t.Context())
	if err == nil {
		tg.Stop(context.Background())
		t.Fatal("Start() against a dropped connection succeeded")
	}
	if strings.Contains(err.Error(), "SECRET-BOT-TOKEN") {
		t.Errorf("Start() error = %q, want the token redacted", err)
	}
	if n := strings.Count(err.Error(), "getMe"); n != 1 {
		t.Errorf("Start() error = %q, want the method named once", err)
	}
}
