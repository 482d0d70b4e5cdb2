package channels

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

// fakeAdapter records calls and fails on demand.
type fakeAdapter struct {
	id         string
	configured bool
	startErr   error
	stopErr    error
	sendErr    error

	mu      sync.Mutex
	started bool
	stopped bool
	sent    []string
}

func (f *fakeAdapter) ID() string         { return f.id }
func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return f.stopErr
}

func (f *fakeAdapter) SendText(_ context.Context, to, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, to+":"+text)
	f.mu.Unlock()
	return "m1", nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, to, text, mediaURL string) (string, error) {
	return f.SendText(ctx, to, text+"|"+mediaURL)
}

// proactiveAdapter also supports SendProactive.
type proactiveAdapter struct {
	fakeAdapter
}

func (p *proactiveAdapter) SendProactive(ctx context.Context, text string) error {
	_, err := p.SendText(ctx, "owner", text)
	return err
}

func TestManager_RegisterLastWins(t *testing.T) {
	m := NewManager(IDTelegram, nil)
	first := &fakeAdapter{id: "a", configured: false}
	m.Register(first)
	m.Register(&fakeAdapter{id: "b", configured: true})
	second := &fakeAdapter{id: "a", configured: true}
	m.Register(second)

	got, _ := m.Get("a")
	if got != second {
		t.Error("Get(a) returned the first registration, want the last")
	}
	if ids := m.AvailableChannels(); !slices.Equal(ids, []string{"a", "b"}) {
		t.Errorf("AvailableChannels() = %v, want [a b]", ids)
	}
}

func TestManager_StartAllIsolatesFailures(t *testing.T) {
	m := NewManager("", nil)
	broken := &fakeAdapter{id: "broken", configured: true, startErr: errors.New("boom")}
	stub := NewDiscord()
	ok := &fakeAdapter{id: "ok", configured: true}
	idle := &fakeAdapter{id: "idle", configured: false}
	m.Register(broken)
	m.Register(stub)
	m.Register(ok)
	m.Register(idle)

	m.StartAll(context.Background())

	if !ok.started {
		t.Error("ok adapter not started after a sibling failed")
	}
	if idle.started {
		t.Error("unconfigured adapter was started")
	}
}

func TestManager_StopAllIsolatesFailures(t *testing.T) {
	m := NewManager("", nil)
	a := &fakeAdapter{id: "a", stopErr: errors.New("stuck")}
	b := &fakeAdapter{id: "b"}
	m.Register(a)
	m.Register(b)

	m.StopAll(context.Background())

	if !a.stopped || !b.stopped {
		t.Errorf("stopped = %v/%v, want both", a.stopped, b.stopped)
	}
}

func TestManager_SendToPreferred(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		adapters  func() []Adapter
		want      Result
	}{
		{
			name:      "preferred delivers",
			preferred: "tg",
			adapters: func() []Adapter {
				return []Adapter{
					&proactiveAdapter{fakeAdapter{id: "wa", configured: true}},
					&proactiveAdapter{fakeAdapter{id: "tg", configured: true}},
				}
			},
			want: Result{"channel": "tg", "status": "sent"},
		},
		{
			name:      "preferred unconfigured falls back",
			preferred: "tg",
			adapters: func() []Adapter {
				return []Adapter{
					&proactiveAdapter{fakeAdapter{id: "tg", configured: false}},
					&proactiveAdapter{fakeAdapter{id: "wa", configured: true}},
				}
			},
			want: Result{"channel": "wa", "status": "sent_fallback"},
		},
		{
			name:      "preferred fails falls back in order",
			preferred: "tg",
			adapters: func() []Adapter {
				return []Adapter{
					&proactiveAdapter{fakeAdapter{id: "tg", configured: true, sendErr: errors.New("down")}},
					&fakeAdapter{id: "plain", configured: true},
					&proactiveAdapter{fakeAdapter{id: "wa", configured: true, sendErr: errors.New("down")}},
					&proactiveAdapter{fakeAdapter{id: "sms", configured: true}},
				}
			},
			want: Result{"channel": "sms", "status": "sent_fallback"},
		},
		{
			name:      "preferred not registered",
			preferred: "signal",
			adapters: func() []Adapter {
				return []Adapter{&proactiveAdapter{fakeAdapter{id: "wa", configured: true}}}
			},
			want: Result{"channel": "wa", "status": "sent_fallback"},
		},
		{
			name:      "nothing configured",
			preferred: "tg",
			adapters: func() []Adapter {
				return []Adapter{
					&proactiveAdapter{fakeAdapter{id: "tg"}},
					NewSlack(),
				}
			},
			want: Result{"error": "no_channel_available"},
		},
		{
			name:      "no adapters",
			preferred: "tg",
			adapters:  func() []Adapter { return nil },
			want:      Result{"error": "no_channel_available"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.preferred, nil)
			for _, a := range tt.adapters() {
				m.Register(a)
			}
			got := m.SendToPreferred(context.Background(), "hello")
			if len(got) != len(tt.want) {
				t.Fatalf("SendToPreferred() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("SendToPreferred()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestManager_SendToPreferredSkipsFailedPreferred(t *testing.T) {
	tg := &proactiveAdapter{fakeAdapter{id: "tg", configured: true, sendErr: errors.New("down")}}
	m := NewManager("tg", nil)
	m.Register(tg)

	got := m.SendToPreferred(context.Background(), "hi")
	if got["error"] != "no_channel_available" {
		t.Errorf("SendToPreferred() = %v, want no_channel_available", got)
	}
}

func TestManager_SendToChannel(t *testing.T) {
	m := NewManager("", nil)
	a := &fakeAdapter{id: "tg", configured: true}
	m.Register(a)
	m.Register(NewSlack())

	got := m.SendToChannel(context.Background(), "nope", "1", "x", SendOptions{})
	if got["error"] != "Unknown channel: nope" {
		t.Errorf("unknown channel = %v", got)
	}

	got = m.SendToChannel(context.Background(), "tg", "42", "hi", SendOptions{MediaURL: "http://img"})
	if got["status"] != "sent" || got["message_id"] != "m1" {
		t.Errorf("SendToChannel(tg) = %v", got)
	}
	if len(a.sent) != 1 || a.sent[0] != "42:hi|http://img" {
		t.Errorf("sent = %v, want media send", a.sent)
	}

	got = m.SendToChannel(context.Background(), IDSlack, "x", "y", SendOptions{})
	if _, ok := got["error"]; !ok {
		t.Errorf("SendToChannel(slack) = %v, want error", got)
	}
}

func TestStub(t *testing.T) {
	for _, s := range []*Stub{NewDiscord(), NewSlack()} {
		if s.IsConfigured() {
			t.Errorf("%s IsConfigured() = true", s.ID())
		}
		if err := s.Start(context.Background()); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("%s Start() = %v, want ErrNotImplemented", s.ID(), err)
		}
		if _, err := s.SendText(context.Background(), "a", "b"); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("%s SendText() = %v, want ErrNotImplemented", s.ID(), err)
		}
		if err := s.Stop(context.Background()); err != nil {
			t.Errorf("%s Stop() = %v, want nil", s.ID(), err)
		}
	}
}

var (
	_ ProactiveSender = (*Telegram)(nil)
	_ ProactiveSender = (*WhatsApp)(nil)
	_ Adapter         = (*Stub)(nil)
)
