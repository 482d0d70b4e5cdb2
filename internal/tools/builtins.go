package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderSwitcher is the slice of the LLM manager the provider tools
// need.
type ProviderSwitcher interface {
	Switch(name string) (string, error)
	ActiveName() string
	Available() []string
}

// MemorySearcher recalls stored conversation lines relevant to a query.
type MemorySearcher interface {
	Recall(ctx context.Context, query string, limit int) ([]string, error)
}

// Notifier delivers a proactive message through the preferred channel.
type Notifier interface {
	SendToPreferred(ctx context.Context, text string) map[string]any
}

// ReminderScheduler creates one-shot reminders from a human time
// expression such as "in 20 minutes" or "17:30".
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, message, when string) (id string, at time.Time, err error)
}

// Mailbox reads and sends email.
type Mailbox interface {
	UnreadSummary(ctx context.Context, limit int) (string, error)
	Send(ctx context.Context, to, subject, body string) error
}

// Services are the backends built-in tools call. Nil fields leave the
// matching tools unregistered.
type Services struct {
	Location  *time.Location
	Providers ProviderSwitcher
	Memory    MemorySearcher
	Notifier  Notifier
	Reminders ReminderScheduler
	Mail      Mailbox
	Tasks     TaskStore
	Notes     NoteStore
	Settings  SettingsManager
	Weather   WeatherLookup

	// HomeLocation is the get_weather default when no location is
	// given.
	HomeLocation string
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// RegisterBuiltins registers the built-in tools backed by s.
func (r *Registry) RegisterBuiltins(s Services) {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}

	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time in the client's timezone.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			now := time.Now().In(loc)
			return map[string]any{
				"time":     now.Format(time.RFC3339),
				"weekday":  now.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		}),
	})

	if s.Providers != nil {
		r.registerProviderTools(s.Providers)
	}

	if s.Memory != nil {
		r.Register(&Tool{
			Name:        "recall_memory",
			Description: "Search past conversations for information the client mentioned before.",
			Parameters: objectSchema([]string{"query"}, map[string]any{
				"query": stringProp("What to look for"),
				"limit": map[string]any{"type": "integer", "description": "Maximum results (default 5)"},
			}),
			Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
				query, err := requireString("recall_memory", args, "query")
				if err != nil {
					return nil, err
				}
				lines, err := s.Memory.Recall(ctx, query, intArg(args, "limit", 5))
				if err != nil {
					return nil, err
				}
				if len(lines) == 0 {
					return "No matching memories found.", nil
				}
				return strings.Join(lines, "\n"), nil
			}),
		})
	}

	if s.Notifier != nil {
		r.Register(&Tool{
			Name:        "send_notification",
			Description: "Send a message to the client on their preferred messaging channel.",
			Parameters: objectSchema([]string{"message"}, map[string]any{
				"message": stringProp("Text to send"),
			}),
			Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
				msg, err := requireString("send_notification", args, "message")
				if err != nil {
					return nil, err
				}
				return s.Notifier.SendToPreferred(ctx, msg), nil
			}),
		})
	}

	if s.Reminders != nil {
		r.Register(&Tool{
			Name:        "set_reminder",
			Description: "Schedule a reminder. 'when' accepts durations (30m), phrases (in 2 hours), clock times (17:30) or RFC3339 timestamps.",
			Parameters: objectSchema([]string{"message", "when"}, map[string]any{
				"message": stringProp("What to remind the client about"),
				"when":    stringProp("When to send the reminder"),
			}),
			Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
				msg, err := requireString("set_reminder", args, "message")
				if err != nil {
					return nil, err
				}
				when, err := requireString("set_reminder", args, "when")
				if err != nil {
					return nil, err
				}
				id, at, err := s.Reminders.ScheduleReminder(ctx, msg, when)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"status": "scheduled",
					"id":     id,
					"at":     at.In(loc).Format(time.RFC3339),
				}, nil
			}),
		})
	}

	if s.Mail != nil {
		r.registerEmailTools(s.Mail)
	}
	if s.Tasks != nil {
		r.registerTaskTools(s.Tasks, loc)
	}
	if s.Notes != nil {
		r.registerNoteTools(s.Notes)
	}
	if s.Settings != nil {
		r.registerSettingsTools(s.Settings)
	}
	if s.Weather != nil {
		r.registerWeatherTool(s.Weather, s.HomeLocation)
	}
}

func (r *Registry) registerProviderTools(p ProviderSwitcher) {
	r.Register(&Tool{
		Name:        "list_providers",
		Description: "List the available AI providers and which one is active.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"active":    p.ActiveName(),
				"available": p.Available(),
			}, nil
		}),
	})

	r.Register(&Tool{
		Name:        "switch_provider",
		Description: "Switch the AI provider. Accepts openai, anthropic, groq, gemini or aliases such as claude, gpt, llama, google.",
		Parameters: objectSchema([]string{"provider"}, map[string]any{
			"provider": stringProp("Provider name or alias"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			name, err := requireString("switch_provider", args, "provider")
			if err != nil {
				return nil, err
			}
			canonical, err := p.Switch(name)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Switched to %s.", canonical), nil
		}),
	})
}
