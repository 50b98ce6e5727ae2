package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	polos "github.com/polos-ai/polos-go"
)

// StreamEvents opens the orchestrator's SSE event stream. Events arrive in
// topic sequence order; the returned stream yields (nil, nil) when the
// server signals normal termination.
func (c *Client) StreamEvents(ctx context.Context, req polos.StreamRequest) (polos.EventStream, error) {
	q := url.Values{}
	if req.Topic != "" {
		q.Set("topic", req.Topic)
	}
	if req.WorkflowID != "" {
		q.Set("workflow_id", req.WorkflowID)
	}
	if req.WorkflowRunID != "" {
		q.Set("workflow_run_id", req.WorkflowRunID)
	}
	if req.ExecutionID != "" {
		q.Set("execution_id", req.ExecutionID)
	}
	if req.LastSequenceID > 0 {
		q.Set("last_sequence_id", strconv.FormatInt(req.LastSequenceID, 10))
	}
	if req.LastTimestamp != nil {
		q.Set("last_timestamp", req.LastTimestamp.UTC().Format(time.RFC3339Nano))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		c.baseURL+"/api/v1/events/stream?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.projectID != "" {
		httpReq.Header.Set("X-Project-ID", c.projectID)
	}

	// The stream client must not carry the request timeout of the regular
	// API client; streams stay open indefinitely.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &polos.TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, classify(resp)
	}

	s := &eventStream{
		cancel: cancel,
		body:   resp.Body,
		execID: req.ExecutionID,
		events: make(chan streamItem, 16),
	}
	go s.pump(streamCtx, bufio.NewScanner(resp.Body))
	return s, nil
}

type streamItem struct {
	event *polos.Event
	err   error
}

// eventStream reads SSE frames off the response body on a pump goroutine so
// Next can honor context cancellation.
type eventStream struct {
	cancel context.CancelFunc
	body   interface{ Close() error }
	execID string
	events chan streamItem
}

// pump parses SSE lines: "data: {...}" frames carry one Event each and
// "data: [DONE]" marks normal termination. When following one execution,
// its finish or cancel lifecycle event is delivered and then ends the
// stream.
func (s *eventStream) pump(ctx context.Context, scanner *bufio.Scanner) {
	defer close(s.events)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}
		var ev polos.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed frames.
			continue
		}
		select {
		case s.events <- streamItem{event: &ev}:
		case <-ctx.Done():
			return
		}
		if s.execID != "" && isTerminalFor(&ev, s.execID) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case s.events <- streamItem{err: &polos.TransientError{Err: err}}:
		case <-ctx.Done():
		}
	}
}

// terminalTypes are the lifecycle events that end an execution.
var terminalTypes = map[string]bool{
	"workflow_finish": true,
	"agent_finish":    true,
	"tool_finish":     true,
	"workflow_cancel": true,
	"agent_cancel":    true,
	"tool_cancel":     true,
}

// isTerminalFor reports whether ev ends the execution identified by execID.
// Lifecycle events wrap their payload under data.data with the execution
// identity in _metadata.
func isTerminalFor(ev *polos.Event, execID string) bool {
	if !terminalTypes[ev.EventType] {
		return false
	}
	var wrapped struct {
		Data struct {
			Metadata polos.EventMetadata `json:"_metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(ev.Data, &wrapped); err != nil {
		return false
	}
	return wrapped.Data.Metadata.ExecutionID == execID
}

// Next returns the next event in sequence order. It returns (nil, nil) when
// the stream terminated normally.
func (s *eventStream) Next(ctx context.Context) (*polos.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-s.events:
		if !ok {
			return nil, nil
		}
		return item.event, item.err
	}
}

// Close tears the stream down. Safe to call concurrently with Next.
func (s *eventStream) Close() error {
	s.cancel()
	return s.body.Close()
}

var _ polos.EventStream = (*eventStream)(nil)
