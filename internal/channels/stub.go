package channels

import (
	"context"
	"fmt"
)

// Stub is a placeholder adapter for a surface that is known but not
// wired. It never reports configured, so StartAll skips it.
type Stub struct {
	id string
}

// NewDiscord returns the Discord placeholder.
func NewDiscord() *Stub { return &Stub{id: IDDiscord} }

// NewSlack returns the Slack placeholder.
func NewSlack() *Stub { return &Stub{id: IDSlack} }

func (s *Stub) ID() string         { return s.id }
func (s *Stub) IsConfigured() bool { return false }

func (s *Stub) Start(context.Context) error {
	return fmt.Errorf("%s: %w", s.id, ErrNotImplemented)
}

func (s *Stub) Stop(context.Context) error { return nil }

func (s *Stub) SendText(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%s: %w", s.id, ErrNotImplemented)
}

func (s *Stub) SendMedia(context.Context, string, string, string) (string, error) {
	return "", fmt.Errorf("%s: %w", s.id, ErrNotImplemented)
}
