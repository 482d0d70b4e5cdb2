package tools

import (
	"context"
)

func (r *Registry) registerEmailTools(m Mailbox) {
	r.Register(&Tool{
		Name:        "check_email",
		Description: "Summarize unread messages in the client's inbox.",
		Parameters: objectSchema(nil, map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum messages to list (default 10)"},
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			return m.UnreadSummary(ctx, intArg(args, "limit", 10))
		}),
	})

	r.Register(&Tool{
		Name:        "send_email",
		Description: "Send an email on the client's behalf. The body may use Markdown.",
		Parameters: objectSchema([]string{"to", "subject", "body"}, map[string]any{
			"to":      stringProp("Recipient address"),
			"subject": stringProp("Subject line"),
			"body":    stringProp("Message body (Markdown)"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			to, err := requireString("send_email", args, "to")
			if err != nil {
				return nil, err
			}
			subject, err := requireString("send_email", args, "subject")
			if err != nil {
				return nil, err
			}
			body, err := requireString("send_email", args, "body")
			if err != nil {
				return nil, err
			}
			if err := m.Send(ctx, to, subject, body); err != nil {
				return nil, err
			}
			return map[string]any{"status": "sent", "to": to}, nil
		}),
	})
}
