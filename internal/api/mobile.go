package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/events"
	"github.com/nugget/rafi-assistant/internal/registry"
)

// ChannelMobile names the companion app in processed messages.
const ChannelMobile = "mobile"

const (
	mobileSendBuffer = 64
	mobileReadLimit  = 1 << 20
	mobileWriteWait  = 10 * time.Second
	mobilePongWait   = 60 * time.Second
	mobilePingPeriod = mobilePongWait * 9 / 10
)

// clientMessage is any frame the companion app sends.
type clientMessage struct {
	Type       string  `json:"type"`
	Message    string  `json:"message,omitempty"`
	Gesture    string  `json:"gesture,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// mobileSession is one companion websocket. Registry listeners and
// the reader queue outbound frames; a single writer goroutine owns
// the connection's write side.
type mobileSession struct {
	conn   *websocket.Conn
	reg    *registry.Registry
	proc   channels.Handler
	logger *slog.Logger

	out chan map[string]any
	wg  sync.WaitGroup
}

func newMobileSession(conn *websocket.Conn, reg *registry.Registry, proc channels.Handler, logger *slog.Logger) *mobileSession {
	return &mobileSession{
		conn:   conn,
		reg:    reg,
		proc:   proc,
		logger: logger.With("session", conn.RemoteAddr().String()),
		out:    make(chan map[string]any, mobileSendBuffer),
	}
}

// run serves the session until the client disconnects or ctx ends.
func (m *mobileSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer m.conn.Close()

	m.logger.Info("mobile companion connected")
	defer m.logger.Info("mobile companion disconnected")

	if m.reg != nil {
		tid := m.reg.RegisterListener(registry.CategoryTranscript, m.onTranscript)
		eid := m.reg.RegisterListener(registry.CategoryEvents, m.onEvent)
		defer m.reg.UnregisterListener(registry.CategoryTranscript, tid)
		defer m.reg.UnregisterListener(registry.CategoryEvents, eid)
	}

	m.push(map[string]any{"type": "connected", "status": "ok"})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writeLoop(ctx)
		// A failed write ends the session.
		cancel()
		m.conn.Close()
	}()

	m.readLoop(ctx)
	cancel()
	<-writerDone
	m.wg.Wait()
}

// push queues a frame without blocking. A client that cannot keep up
// loses frames rather than stalling broadcasts.
func (m *mobileSession) push(msg map[string]any) {
	select {
	case m.out <- msg:
	default:
		m.logger.Debug("mobile send buffer full, dropping frame", "type", msg["type"])
	}
}

func (m *mobileSession) onTranscript(_ context.Context, p events.Payload) error {
	m.push(map[string]any{
		"type":     "transcript",
		"text":     p["text"],
		"role":     p["role"],
		"is_final": p["is_final"],
	})
	return nil
}

func (m *mobileSession) onEvent(_ context.Context, p events.Payload) error {
	name, _ := p["event"].(string)
	if name == "visual_frame" {
		return nil
	}
	m.push(map[string]any{"type": "event", "event": name, "data": p["data"]})
	return nil
}

func (m *mobileSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(mobilePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.out:
			m.conn.SetWriteDeadline(time.Now().Add(mobileWriteWait))
			if err := m.conn.WriteJSON(msg); err != nil {
				m.logger.Debug("mobile write failed", "error", err)
				return
			}
		case <-ticker.C:
			m.conn.SetWriteDeadline(time.Now().Add(mobileWriteWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(mobileWriteWait))
			return
		}
	}
}

func (m *mobileSession) readLoop(ctx context.Context) {
	m.conn.SetReadLimit(mobileReadLimit)
	m.conn.SetReadDeadline(time.Now().Add(mobilePongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(mobilePongWait))
	})

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				m.logger.Debug("mobile read ended", "error", err)
			}
			return
		}
		m.conn.SetReadDeadline(time.Now().Add(mobilePongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.push(map[string]any{"type": "error", "error": "invalid JSON"})
			continue
		}
		m.handle(ctx, msg)
	}
}

func (m *mobileSession) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "text":
		m.process(ctx, msg.Message)

	case "gesture":
		m.logger.Info("gesture received", "gesture", msg.Gesture, "confidence", msg.Confidence)
		action, ok := MapGesture(msg.Gesture, msg.Confidence)
		if m.reg != nil {
			m.reg.BroadcastEvent(ctx, "gesture", map[string]any{
				"gesture":    msg.Gesture,
				"confidence": msg.Confidence,
				"action":     action.Action,
			})
		}
		if !ok {
			return
		}
		m.push(map[string]any{
			"type":    "gesture_ack",
			"gesture": msg.Gesture,
			"action":  action.Action,
			"label":   action.Label,
		})
		m.process(ctx, action.TextCommand)

	case "frame":
		// Camera frames are accepted but not analysed.

	default:
		m.push(map[string]any{"type": "error", "error": "unknown message type: " + msg.Type})
	}
}

// process runs text through the assistant in the background. The
// processor broadcasts both sides as transcripts, which the session's
// own listener forwards back to the client.
func (m *mobileSession) process(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" || m.proc == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.proc.Process(ctx, channels.Message{Channel: ChannelMobile, SenderID: ChannelMobile, Text: text})
	}()
}
