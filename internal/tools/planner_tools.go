package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/rafi-assistant/internal/planner"
)

// TaskStore manages the client's to-do list. *planner.Store satisfies it.
type TaskStore interface {
	CreateTask(ctx context.Context, title, description, status string, due *time.Time) (*planner.Task, error)
	ListTasks(ctx context.Context, status string) ([]planner.Task, error)
	UpdateTask(ctx context.Context, id string, u planner.TaskUpdate) (*planner.Task, error)
	CompleteTask(ctx context.Context, id string) (*planner.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// NoteStore manages free-text notes. *planner.Store satisfies it.
type NoteStore interface {
	CreateNote(ctx context.Context, title, content string) (*planner.Note, error)
	ListNotes(ctx context.Context) ([]planner.Note, error)
	GetNote(ctx context.Context, id string) (*planner.Note, error)
	UpdateNote(ctx context.Context, id string, title, content *string) (*planner.Note, error)
	DeleteNote(ctx context.Context, id string) error
}

// SettingsManager reads and changes runtime settings.
// *planner.Settings satisfies it.
type SettingsManager interface {
	Current(ctx context.Context) (map[string]string, error)
	Update(ctx context.Context, key, value string) error
}

// WeatherLookup returns a forecast summary for a location.
// *weather.Client satisfies it.
type WeatherLookup interface {
	Summary(ctx context.Context, location string) (string, error)
}

// optString returns a pointer to args[key] when it is present as a
// string.
func optString(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}

var statusProp = map[string]any{
	"type":        "string",
	"enum":        []string{planner.StatusPending, planner.StatusInProgress, planner.StatusCompleted},
	"description": "Task status",
}

func (r *Registry) registerTaskTools(ts TaskStore, loc *time.Location) {
	parseDue := func(tool string, args map[string]any) (*time.Time, error) {
		v := optString(args, "due_date")
		if v == nil || strings.TrimSpace(*v) == "" {
			return nil, nil
		}
		d, err := planner.ParseDue(*v, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tool, err)
		}
		return &d, nil
	}

	r.Register(&Tool{
		Name:        "create_task",
		Description: "Add a task to the client's to-do list.",
		Parameters: objectSchema([]string{"title"}, map[string]any{
			"title":       stringProp("Short task title"),
			"description": stringProp("Optional details"),
			"due_date":    stringProp("Optional due date: YYYY-MM-DD, YYYY-MM-DD HH:MM or RFC3339"),
			"status":      statusProp,
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			title, err := requireString("create_task", args, "title")
			if err != nil {
				return nil, err
			}
			due, err := parseDue("create_task", args)
			if err != nil {
				return nil, err
			}
			desc, _ := args["description"].(string)
			status, _ := args["status"].(string)
			return ts.CreateTask(ctx, title, desc, status, due)
		}),
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the client's tasks, newest first, optionally filtered by status.",
		Parameters: objectSchema(nil, map[string]any{
			"status": statusProp,
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			status, _ := args["status"].(string)
			tasks, err := ts.ListTasks(ctx, status)
			if err != nil {
				return nil, err
			}
			if len(tasks) == 0 {
				return "No tasks found.", nil
			}
			return tasks, nil
		}),
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Change a task's title, description, status or due date.",
		Parameters: objectSchema([]string{"task_id"}, map[string]any{
			"task_id":     stringProp("Task ID"),
			"title":       stringProp("New title"),
			"description": stringProp("New description"),
			"due_date":    stringProp("New due date"),
			"status":      statusProp,
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("update_task", args, "task_id")
			if err != nil {
				return nil, err
			}
			due, err := parseDue("update_task", args)
			if err != nil {
				return nil, err
			}
			return ts.UpdateTask(ctx, id, planner.TaskUpdate{
				Title:       optString(args, "title"),
				Description: optString(args, "description"),
				Status:      optString(args, "status"),
				Due:         due,
			})
		}),
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed.",
		Parameters: objectSchema([]string{"task_id"}, map[string]any{
			"task_id": stringProp("Task ID"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("complete_task", args, "task_id")
			if err != nil {
				return nil, err
			}
			t, err := ts.CompleteTask(ctx, id)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Task %q marked as completed.", t.Title), nil
		}),
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Delete a task permanently.",
		Parameters: objectSchema([]string{"task_id"}, map[string]any{
			"task_id": stringProp("Task ID"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("delete_task", args, "task_id")
			if err != nil {
				return nil, err
			}
			if err := ts.DeleteTask(ctx, id); err != nil {
				return nil, err
			}
			return "Task deleted.", nil
		}),
	})
}

func (r *Registry) registerNoteTools(ns NoteStore) {
	r.Register(&Tool{
		Name:        "create_note",
		Description: "Save a note for the client.",
		Parameters: objectSchema([]string{"title"}, map[string]any{
			"title":   stringProp("Note title"),
			"content": stringProp("Note body"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			title, err := requireString("create_note", args, "title")
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			return ns.CreateNote(ctx, title, content)
		}),
	})

	r.Register(&Tool{
		Name:        "list_notes",
		Description: "List the client's notes, newest first.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			notes, err := ns.ListNotes(ctx)
			if err != nil {
				return nil, err
			}
			if len(notes) == 0 {
				return "No notes found.", nil
			}
			return notes, nil
		}),
	})

	r.Register(&Tool{
		Name:        "get_note",
		Description: "Read one note in full.",
		Parameters: objectSchema([]string{"note_id"}, map[string]any{
			"note_id": stringProp("Note ID"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("get_note", args, "note_id")
			if err != nil {
				return nil, err
			}
			return ns.GetNote(ctx, id)
		}),
	})

	r.Register(&Tool{
		Name:        "update_note",
		Description: "Change a note's title or content.",
		Parameters: objectSchema([]string{"note_id"}, map[string]any{
			"note_id": stringProp("Note ID"),
			"title":   stringProp("New title"),
			"content": stringProp("New content"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("update_note", args, "note_id")
			if err != nil {
				return nil, err
			}
			return ns.UpdateNote(ctx, id, optString(args, "title"), optString(args, "content"))
		}),
	})

	r.Register(&Tool{
		Name:        "delete_note",
		Description: "Delete a note permanently.",
		Parameters: objectSchema([]string{"note_id"}, map[string]any{
			"note_id": stringProp("Note ID"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString("delete_note", args, "note_id")
			if err != nil {
				return nil, err
			}
			if err := ns.DeleteNote(ctx, id); err != nil {
				return nil, err
			}
			return "Note deleted.", nil
		}),
	})
}

func (r *Registry) registerSettingsTools(sm SettingsManager) {
	r.Register(&Tool{
		Name:        "get_settings",
		Description: "Get the current values of the client's settings.",
		Parameters:  objectSchema(nil, map[string]any{}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			return sm.Current(ctx)
		}),
	})

	r.Register(&Tool{
		Name:        "update_setting",
		Description: "Update one setting. Times use HH:MM, minutes are whole numbers, timezone is an IANA name. Schedule changes apply after the next restart.",
		Parameters: objectSchema([]string{"key", "value"}, map[string]any{
			"key": map[string]any{
				"type":        "string",
				"enum":        planner.SettingKeys,
				"description": "Setting name",
			},
			"value": stringProp("New value"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			key, err := requireString("update_setting", args, "key")
			if err != nil {
				return nil, err
			}
			value, err := requireString("update_setting", args, "value")
			if err != nil {
				return nil, err
			}
			if err := sm.Update(ctx, key, value); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Setting '%s' updated to '%s'.", key, value), nil
		}),
	})
}

func (r *Registry) registerWeatherTool(w WeatherLookup, defaultLocation string) {
	r.Register(&Tool{
		Name:        "get_weather",
		Description: "Get current weather and today's forecast for a location such as a city, postcode or lat,lon.",
		Parameters: objectSchema(nil, map[string]any{
			"location": stringProp("Place to look up; defaults to the client's home location"),
		}),
		Callable: Func(func(ctx context.Context, args map[string]any) (any, error) {
			loc, _ := args["location"].(string)
			if strings.TrimSpace(loc) == "" {
				loc = defaultLocation
			}
			if strings.TrimSpace(loc) == "" {
				return "Weather information unavailable: no location provided.", nil
			}
			return w.Summary(ctx, loc)
		}),
	})
}
