package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RoboMaroof/ragserver/agent"
)

// Remote forwards execution to an HTTP callback so operators can add tools
// by configuration. The callback receives POST {callback}/tools/{name} with
// {"name", "args"} and answers {"result", "error"}.
type Remote struct {
	ToolName    string
	ToolDesc    string
	CallbackURL string
	Client      *http.Client
}

// NewRemote creates a remote tool.
func NewRemote(name, desc, callbackURL string) *Remote {
	return &Remote{
		ToolName:    name,
		ToolDesc:    desc,
		CallbackURL: strings.TrimRight(callbackURL, "/"),
		Client:      &http.Client{Timeout: 120 * time.Second},
	}
}

func (t *Remote) Name() string               { return t.ToolName }
func (t *Remote) Description() string        { return t.ToolDesc }
func (t *Remote) Parameters() map[string]any { return agent.QueryParameters("input for " + t.ToolName) }

func (t *Remote) Execute(ctx context.Context, args map[string]any) (agent.ToolOutput, error) {
	payload, err := json.Marshal(map[string]any{
		"name": t.ToolName,
		"args": args,
	})
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: marshal args: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", t.CallbackURL, t.ToolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: call %s: %w", t.ToolName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: %s returned %d: %s", t.ToolName, resp.StatusCode, truncate(string(body), 200))
	}

	var result struct {
		Result  string `json:"result"`
		Results []any  `json:"results"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: parse response: %w", err)
	}
	if result.Error != "" {
		return agent.ToolOutput{}, fmt.Errorf("remote tool: %s: %s", t.ToolName, result.Error)
	}
	return agent.ToolOutput{Content: result.Result, Results: result.Results}, nil
}
