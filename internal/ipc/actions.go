package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fftnano/pkg/logx"
)

// ActionHandler executes one host-side action on behalf of a sandboxed
// agent. params is the raw JSON params object from the request; the
// returned value is serialized into the result file.
type ActionHandler func(ctx context.Context, params json.RawMessage, source string, isMain bool) (any, error)

// actionRequest is one actions/*.json file. Every request must carry a
// requestId so the agent can correlate the result file.
type actionRequest struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// actionResult lands in action_results/<requestId>.json.
type actionResult struct {
	RequestID  string `json:"requestId"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ExecutedAt string `json:"executedAt"`
}

// RegisterAction installs a handler for one action name. Requests for
// names with no handler still get a result file, with status error, so
// the agent never waits on a request the host cannot serve.
func (c *Consumer) RegisterAction(name string, fn ActionHandler) {
	if c.actions == nil {
		c.actions = make(map[string]ActionHandler)
	}
	c.actions[name] = fn
}

// handleAction executes one action request and writes the matching
// result file. The request file is only deleted once the result is on
// disk; an unparseable or uncorrelatable request is quarantined.
func (c *Consumer) handleAction(ctx context.Context, raw []byte, source string, isMain bool) error {
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse action request: %w", err)
	}
	if req.RequestID == "" {
		return errors.New("action request missing requestId")
	}

	res := actionResult{
		RequestID:  req.RequestID,
		Status:     "success",
		ExecutedAt: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case req.Action == "":
		res.Status = "error"
		res.Error = "action request missing action name"
	default:
		handler, ok := c.actions[req.Action]
		if !ok {
			res.Status = "error"
			res.Error = fmt.Sprintf("unsupported action: %s", req.Action)
			break
		}
		out, err := handler(ctx, req.Params, source, isMain)
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
		} else {
			res.Result = out
		}
	}

	if err := c.writeActionResult(source, res); err != nil {
		return fmt.Errorf("write action result: %w", err)
	}
	c.log.Info("ipc action handled",
		logx.String("source", source),
		logx.String("action", req.Action),
		logx.String("request_id", req.RequestID),
		logx.String("status", res.Status))
	return nil
}

// writeActionResult lands the result with a temp-then-rename so the
// agent never reads a half-written file.
func (c *Consumer) writeActionResult(source string, res actionResult) error {
	dir := filepath.Join(c.baseDir(), source, "action_results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, res.RequestID+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, res.RequestID+".json")); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
