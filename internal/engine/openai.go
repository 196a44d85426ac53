package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/httpkit"
)

const (
	// DefaultBaseURL is the public OpenAI API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	assistantsBetaHeader = "assistants=v2"
	maxErrorBody         = 4096
)

// OpenAIClient talks to the OpenAI Assistants v2 API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for the Assistants API at baseURL
// (empty means [DefaultBaseURL]).
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 60 * time.Second

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(90*time.Second),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// OpenAI wire types

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type oaAssistant struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"`
	Tools        []oaTool `json:"tools"`
}

type oaThread struct {
	ID string `json:"id"`
}

type oaMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	CreatedAt int64           `json:"created_at"`
	Content   []oaContentPart `json:"content"`
}

type oaContentPart struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

type oaMessageList struct {
	Data    []oaMessage `json:"data"`
	HasMore bool        `json:"has_more"`
	LastID  string      `json:"last_id"`
}

type oaRunRequest struct {
	AssistantID            string `json:"assistant_id"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
}

type oaRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	Model          string `json:"model"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string     `json:"id"`
				Type     string     `json:"type"`
				Function oaFunction `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaToolOutputs struct {
	ToolOutputs []ToolOutput `json:"tool_outputs"`
}

// CreateAssistant registers the persona with the engine.
func (c *OpenAIClient) CreateAssistant(ctx context.Context, a Assistant) (Assistant, error) {
	req := oaAssistant{
		Name:         a.Name,
		Instructions: a.Instructions,
		Model:        a.Model,
		Tools:        make([]oaTool, 0, len(a.Tools)),
	}
	for _, t := range a.Tools {
		req.Tools = append(req.Tools, oaTool{
			Type: "function",
			Function: oaFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var resp oaAssistant
	if err := c.do(ctx, http.MethodPost, "/assistants", req, &resp); err != nil {
		return Assistant{}, err
	}
	a.ID = resp.ID
	c.logger.Info("assistant created", "assistant_id", a.ID, "name", a.Name, "model", a.Model)
	return a, nil
}

// RetrieveAssistant loads an existing assistant.
func (c *OpenAIClient) RetrieveAssistant(ctx context.Context, id string) (Assistant, error) {
	var resp oaAssistant
	if err := c.do(ctx, http.MethodGet, "/assistants/"+url.PathEscape(id), nil, &resp); err != nil {
		return Assistant{}, err
	}
	a := Assistant{
		ID:           resp.ID,
		Name:         resp.Name,
		Instructions: resp.Instructions,
		Model:        resp.Model,
	}
	for _, t := range resp.Tools {
		if t.Type != "function" {
			continue
		}
		a.Tools = append(a.Tools, ToolDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return a, nil
}

// CreateThread opens an empty conversation thread.
func (c *OpenAIClient) CreateThread(ctx context.Context) (string, error) {
	var resp oaThread
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PostMessage appends a user message to the thread.
func (c *OpenAIClient) PostMessage(ctx context.Context, threadID, text string) (Message, error) {
	var resp oaMessage
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, oaMessageRequest{Role: RoleUser, Content: text}, &resp); err != nil {
		return Message{}, err
	}
	return resp.toMessage(), nil
}

// StartRun starts a run of the assistant on the thread.
func (c *OpenAIClient) StartRun(ctx context.Context, threadID string, a Assistant) (Run, error) {
	var resp oaRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	req := oaRunRequest{AssistantID: a.ID, AdditionalInstructions: a.RunInstructions}
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return Run{}, err
	}
	return resp.toRun(), nil
}

// GetRun fetches the current state of a run.
func (c *OpenAIClient) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	var resp oaRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Run{}, err
	}
	return resp.toRun(), nil
}

// SubmitToolOutputs answers the run's pending tool calls in one batch.
func (c *OpenAIClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	if outputs == nil {
		outputs = []ToolOutput{}
	}
	var resp oaRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	if err := c.do(ctx, http.MethodPost, path, oaToolOutputs{ToolOutputs: outputs}, &resp); err != nil {
		return Run{}, err
	}
	return resp.toRun(), nil
}

// ListMessages returns every message of the thread, newest first.
func (c *OpenAIClient) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var msgs []Message
	after := ""
	for {
		q := url.Values{"order": {"desc"}, "limit": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		var page oaMessageList
		path := "/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Data {
			msgs = append(msgs, m.toMessage())
		}
		if !page.HasMore || page.LastID == "" {
			return msgs, nil
		}
		after = page.LastID
	}
}

// do sends one JSON request and decodes the response into out. Every
// failure is classified as upstream.
func (c *OpenAIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		c.logger.Log(ctx, LevelTrace, "request payload", "method", method, "path", path, "json", string(jsonData))
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("OpenAI-Beta", assistantsBetaHeader)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.ErrUpstream, err, "openai %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		c.logger.Error("API error", "method", method, "path", path, "status", resp.StatusCode, "body", errBody)
		return apperr.E(apperr.ErrUpstream, "openai %s %s: status %d: %s", method, path, resp.StatusCode, errBody)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.ErrUpstream, err, "read openai response")
	}
	c.logger.Log(ctx, LevelTrace, "response payload",
		"method", method,
		"path", path,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"json", string(data),
	)

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.ErrUpstream, err, "decode openai response")
	}
	return nil
}

func (m oaMessage) toMessage() Message {
	var parts []string
	for _, p := range m.Content {
		if p.Type == "text" && p.Text != nil {
			parts = append(parts, p.Text.Value)
		}
	}
	return Message{
		ID:        m.ID,
		Role:      m.Role,
		Text:      strings.Join(parts, "\n"),
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
	}
}

func (r oaRun) toRun() Run {
	run := Run{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		Status:   RunStatus(r.Status),
		Model:    r.Model,
	}
	if r.Usage != nil {
		run.Usage = &Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
		}
	}
	if r.RequiredAction != nil && r.RequiredAction.Type == "submit_tool_outputs" {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	switch {
	case r.LastError != nil:
		run.LastError = r.LastError.Code + ": " + r.LastError.Message
	case r.IncompleteDetails != nil:
		run.LastError = "incomplete: " + r.IncompleteDetails.Reason
	}
	return run
}
