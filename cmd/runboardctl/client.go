package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) listTasks(ctx context.Context, out io.Writer) error {
	return c.getJSON(ctx, out, "/v1/tasks")
}

func (c *client) triggerRun(ctx context.Context, out io.Writer, task, input string) error {
	body, err := json.Marshal(map[string]json.RawMessage{"input": json.RawMessage(input)})
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	return c.postJSON(ctx, out, fmt.Sprintf("/v1/tasks/%s/runs", url.PathEscape(task)), body)
}

func (c *client) getRun(ctx context.Context, out io.Writer, task, runID string) error {
	return c.getJSON(ctx, out, runPath(task, runID, ""))
}

func (c *client) cancelRun(ctx context.Context, out io.Writer, task, runID string) error {
	return c.postJSON(ctx, out, runPath(task, runID, "cancel"), nil)
}

func (c *client) retryRun(ctx context.Context, out io.Writer, task, runID string) error {
	return c.postJSON(ctx, out, runPath(task, runID, "retry"), nil)
}

// watchRun tails the SSE stream, printing one line per event, until the
// server closes the connection.
func (c *client) watchRun(ctx context.Context, out io.Writer, task, runID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+runPath(task, runID, "stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: streams stay open until the server closes them.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "ping" {
				continue
			}
			fmt.Fprintf(out, "[%s] %s\n", event, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func runPath(task, runID, suffix string) string {
	p := fmt.Sprintf("/v1/tasks/%s/runs/%s", url.PathEscape(task), url.PathEscape(runID))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *client) getJSON(ctx context.Context, out io.Writer, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(ctx context.Context, out io.Writer, path string, body []byte) error {
	if body == nil {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out io.Writer) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	var pretty bytes.Buffer
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	_, err = fmt.Fprintln(out, pretty.String())
	return err
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if payload.Code != "" {
		return fmt.Errorf("%s (%s)", payload.Error, payload.Code)
	}
	return fmt.Errorf("%s", payload.Error)
}
