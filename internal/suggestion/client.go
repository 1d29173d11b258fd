// Package suggestion is the client of the external suggestion service.
package suggestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/concierge/internal/protocol"
)

const (
	requestPath    = "/api/request"
	suggestionPath = "/api/suggestion"
	maxLineBytes   = 1 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("suggestion: %s returned %d: %s", e.Path, e.Code, e.Body)
}

// Client talks to the suggestion service over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// New creates a client for endpoint. Requested is bounded to 30 seconds,
// streams only by the caller's context.
func New(endpoint string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
		logger:   logger,
	}
}

// Requested asks whether visual suggestions are warranted for msgs.
func (c *Client) Requested(ctx context.Context, msgs []protocol.SimpleMessage) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := c.post(ctx, requestPath, history(msgs))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var out struct {
		Requested bool `json:"requested"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("suggestion: decode request response: %w", err)
	}
	return out.Requested, nil
}

// Stream returns the suggestion text chunks for customer. The request is
// sent when the sequence is first iterated.
func (c *Client) Stream(ctx context.Context, customer string, msgs []protocol.SimpleMessage) iter.Seq2[string, error] {
	body := struct {
		Customer string                   `json:"customer"`
		Messages []protocol.SimpleMessage `json:"messages"`
	}{Customer: customer, Messages: history(msgs)}

	return func(yield func(string, error) bool) {
		resp, err := c.post(ctx, suggestionPath, body)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			chunk, ok := parseLine(scanner.Text())
			if !ok {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("suggestion: read stream: %w", err))
		}
	}
}

// parseLine accepts event-stream data lines and bare text lines.
func parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	switch {
	case line == "":
		return "", false
	case strings.HasPrefix(line, ":"), strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return "", false
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(line, "data:")
		return strings.TrimPrefix(data, " "), true
	default:
		return line, true
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("suggestion: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("suggestion: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("suggestion: %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	c.logger.Debug("suggestion request", zap.String("path", path), zap.Int("status", resp.StatusCode))
	return resp, nil
}

func history(msgs []protocol.SimpleMessage) []protocol.SimpleMessage {
	if msgs == nil {
		return []protocol.SimpleMessage{}
	}
	return msgs
}
