package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nugget/rafi-assistant/internal/config"
)

// Client is a single-account mail client. IMAP access is serialized
// and reconnects on demand. SMTP connections are opened per send.
type Client struct {
	cfg    config.EmailConfig
	logger *slog.Logger

	// sendMail delivers a composed message.
	sendMail func(ctx context.Context, cfg config.SMTPConfig, from string, rcpts []string, msg []byte) error

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates a mail client. The IMAP connection is established
// lazily on first use.
func NewClient(cfg config.EmailConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "email"),
		sendMail: SendMail,
	}
}

// connectLocked dials and logs in. Caller must hold c.mu.
func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	if c.cfg.IMAP.Host == "" {
		return ErrNotConfigured
	}

	addr := net.JoinHostPort(c.cfg.IMAP.Host, strconv.Itoa(c.cfg.IMAP.Port))
	var opts imapclient.Options
	if c.cfg.IMAP.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.IMAP.Host}
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.IMAP.Host, "port", c.cfg.IMAP.Port, "tls", c.cfg.IMAP.TLS)

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.IMAP.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.IMAP.Username, c.cfg.IMAP.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.IMAP.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.IMAP.Host, "user", c.cfg.IMAP.Username)
	return nil
}

// ensureConnected reuses a live connection or reconnects. Caller must
// hold c.mu.
func (c *Client) ensureConnected() error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting")
	}
	return c.connectLocked()
}

// Close logs out and closes the IMAP connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Unread returns up to limit unseen INBOX messages, newest first.
func (c *Client) Unread(ctx context.Context, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 10
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return c.fetchEnvelopes(set)
}

// fetchEnvelopes fetches envelopes for set, newest first. Caller must
// hold c.mu with INBOX selected.
func (c *Client) fetchEnvelopes(set imap.UIDSet) ([]Envelope, error) {
	cmd := c.client.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true})

	var out []Envelope
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		env := Envelope{UID: uint32(buf.UID)}
		if e := buf.Envelope; e != nil {
			env.Date = e.Date
			env.Subject = e.Subject
			if len(e.From) > 0 {
				env.From = formatAddress(e.From[0])
			}
		}
		out = append(out, env)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UnreadSummary lists unread mail as text.
func (c *Client) UnreadSummary(ctx context.Context, limit int) (string, error) {
	envs, err := c.Unread(ctx, limit)
	if err != nil {
		return "", err
	}
	return FormatSummary(envs), nil
}

// Send composes a Markdown message and delivers it over SMTP.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	if c.cfg.SMTP.Host == "" {
		return ErrNotConfigured
	}
	from := c.cfg.From
	if from == "" {
		from = c.cfg.SMTP.Username
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:    from,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	if err := c.sendMail(ctx, c.cfg.SMTP, extractAddress(from), collectRecipients([]string{to}), msg); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "email sent", "to", to, "subject", subject)
	return nil
}
