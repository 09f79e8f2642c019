// Package genbackend is the HTTP client for the document generation service.
// It implements autopilot.Backend: task start, lifecycle control, and a
// newline-delimited JSON progress stream.
package genbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"autopen/autopilot"
	"autopen/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// NewFromEnv reads GEN_API_BASE. Returns enabled=false when unset so callers
// can fall back to the mock backend for local development.
func NewFromEnv() (*Client, bool, error) {
	base := strings.TrimSpace(os.Getenv("GEN_API_BASE"))
	if base == "" {
		return nil, false, nil
	}
	if _, err := url.Parse(base); err != nil {
		return nil, true, fmt.Errorf("GEN_API_BASE 非法: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		// No overall timeout: the progress stream is long-lived. Header
		// timeouts guard connection setup.
		http: &http.Client{},
	}, true, nil
}

type startRequest struct {
	FromStep string                 `json:"fromStep,omitempty"`
	Config   domain.AutopilotConfig `json:"config"`
}

func (c *Client) StartTask(ctx context.Context, config domain.AutopilotConfig) (string, error) {
	body, _ := json.Marshal(startRequest{FromStep: config.FromStep, Config: config})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/autopilot/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("启动生成任务失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.New("启动生成任务失败: " + readErrBody(resp))
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", errors.New("生成后端未返回 taskId")
	}
	return out.TaskID, nil
}

type wireEvent struct {
	Percent   int    `json:"percent"`
	Note      string `json:"note,omitempty"`
	Status    string `json:"status,omitempty"`
	DocID     string `json:"docId,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StreamProgress opens the event stream from the given percent. The returned
// channel closes after a terminal event, a transport drop, or ctx
// cancellation; the orchestrator handles re-attachment.
func (c *Client) StreamProgress(ctx context.Context, taskID string, fromPercent int) (<-chan autopilot.Event, error) {
	u := c.baseURL + "/v1/autopilot/tasks/" + url.PathEscape(taskID) + "/events?from=" + strconv.Itoa(fromPercent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("订阅进度失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrBody(resp)
		resp.Body.Close()
		return nil, errors.New("订阅进度失败: " + msg)
	}

	out := make(chan autopilot.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var we wireEvent
			if err := json.Unmarshal(line, &we); err != nil {
				continue // skip malformed lines; the stream stays usable
			}
			ev := autopilot.Event{
				Percent:   we.Percent,
				Note:      we.Note,
				DocID:     we.DocID,
				Err:       we.Error,
				Retryable: we.Retryable,
			}
			switch strings.ToLower(we.Status) {
			case "succeeded", "failed":
				ev.Terminal = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) PauseTask(ctx context.Context, taskID string) error {
	return c.postLifecycle(ctx, taskID, "pause")
}

func (c *Client) ResumeTask(ctx context.Context, taskID string) error {
	return c.postLifecycle(ctx, taskID, "resume")
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.postLifecycle(ctx, taskID, "cancel")
}

func (c *Client) postLifecycle(ctx context.Context, taskID, action string) error {
	u := c.baseURL + "/v1/autopilot/tasks/" + url.PathEscape(taskID) + "/" + action
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(readErrBody(resp))
	}
	return nil
}

func readErrBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}
	return msg
}
