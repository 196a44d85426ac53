// Package engine defines the contract with the external reasoning engine
// (assistants, threads, messages, runs) and an OpenAI Assistants
// implementation of it.
package engine

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace matches config.LevelTrace; engine payloads are logged at
// this level.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an engine thread.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus is the engine-reported state of a run.
type RunStatus string

// Run statuses as reported by the engine.
const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
	StatusCompleted      RunStatus = "completed"
	StatusExpired        RunStatus = "expired"
	StatusIncomplete     RunStatus = "incomplete"
)

// Pending reports whether the run is still being worked on by the
// engine without needing anything from us.
func (s RunStatus) Pending() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCancelling:
		return true
	}
	return false
}

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

// ToolCall is a tool invocation requested by a run.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	CallID string `json:"tool_call_id"`
	Output string `json:"output"`
}

// Run is a snapshot of an engine run.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	Model     string
	ToolCalls []ToolCall // set when Status is requires_action
	LastError string     // engine reason for failed/expired/incomplete runs
	Usage     *Usage     // set once the run is terminal
}

// Usage is the token consumption of one run.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolDecl declares a callable tool to the engine.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// Assistant is the persona every run executes against. It is created
// (or retrieved) once at startup and shared read-only afterwards.
type Assistant struct {
	ID              string
	Name            string
	Instructions    string
	RunInstructions string // appended to every run
	Model           string
	Tools           []ToolDecl
}

// Client is the reasoning-engine contract.
type Client interface {
	// CreateAssistant registers a and returns it with its ID set.
	CreateAssistant(ctx context.Context, a Assistant) (Assistant, error)
	// RetrieveAssistant loads an existing assistant by ID.
	RetrieveAssistant(ctx context.Context, id string) (Assistant, error)
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text string) (Message, error)
	// StartRun starts a run of a on the thread.
	StartRun(ctx context.Context, threadID string, a Assistant) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error)
	// ListMessages returns the thread's messages, newest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}
