// Package tools defines the closed set of tools the assistant may call
// during a run and dispatches engine tool calls to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/jobs"
)

// ID identifies a registered tool. The set is closed: a name the
// engine sends that maps to no ID is an unrecognized call.
type ID int

// Known tools.
const (
	Unknown ID = iota
	LinkedInJobs
)

var names = map[ID]string{
	LinkedInJobs: "getLinkedInJobs",
}

// String returns the name the engine uses for the tool.
func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// Tool describes one callable tool.
type Tool struct {
	ID          ID
	Description string
	Parameters  map[string]any
	handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Output is the result of dispatching one tool call.
type Output struct {
	// Recognized is false when the name maps to no tool. Such calls get
	// no output entry.
	Recognized bool
	// Text is the value submitted back to the engine. It is empty when
	// the tool failed.
	Text string
	// Err is the failure, if any. For unrecognized calls it is an
	// *UnknownToolError.
	Err error
}

// Registry maps engine tool names to handlers.
type Registry struct {
	tools  map[ID]*Tool
	byName map[string]ID
	logger *slog.Logger
}

// NewRegistry creates a registry whose job-search tool is served by src.
func NewRegistry(src jobs.Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[ID]*Tool),
		byName: make(map[string]ID),
		logger: logger.With("component", "tools"),
	}
	r.register(&Tool{
		ID:          LinkedInJobs,
		Description: "Fetch current job postings matching the counselor's search profile.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		handler: func(ctx context.Context, _ map[string]any) (string, error) {
			return r.handleLinkedInJobs(ctx, src)
		},
	})
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.ID] = t
	r.byName[t.ID.String()] = t.ID
}

// Lookup maps an engine tool name to its ID.
func (r *Registry) Lookup(name string) (ID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Declarations renders every tool for the assistant definition, in ID
// order.
func (r *Registry) Declarations() []engine.ToolDecl {
	ids := make([]ID, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	decls := make([]engine.ToolDecl, 0, len(ids))
	for _, id := range ids {
		t := r.tools[id]
		decls = append(decls, engine.ToolDecl{
			Name:        id.String(),
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return decls
}

// Dispatch runs the tool named name. It never retries. Tool failures
// are logged and reported with empty Text so the caller can still
// answer the call.
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON string) Output {
	id, ok := r.Lookup(name)
	if !ok {
		r.logger.Warn("unrecognized tool call", "tool", name, "thread_id", ThreadIDFromContext(ctx))
		return Output{Err: &UnknownToolError{Name: name}}
	}
	tool := r.tools[id]

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			r.logger.Debug("ignoring malformed tool arguments", "tool", name, "error", err)
		}
	}

	start := time.Now()
	text, err := tool.handler(ctx, args)
	if err != nil {
		r.logger.Error("tool failed",
			"tool", name,
			"thread_id", ThreadIDFromContext(ctx),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		return Output{Recognized: true, Err: err}
	}

	r.logger.Debug("tool executed",
		"tool", name,
		"thread_id", ThreadIDFromContext(ctx),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"bytes", len(text),
	)
	return Output{Recognized: true, Text: text}
}

func (r *Registry) handleLinkedInJobs(ctx context.Context, src jobs.Source) (string, error) {
	postings, err := src.Fetch(ctx)
	if err != nil {
		return "", err
	}
	if postings == nil {
		postings = []jobs.Posting{}
	}
	data, err := json.Marshal(postings)
	if err != nil {
		return "", fmt.Errorf("marshal postings: %w", err)
	}
	return string(data), nil
}

// UnknownToolError marks a call the engine requested for a function the
// registry does not serve. The poller leaves such calls unanswered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}
