// Package http provides an HTTP client for the fieldgate checkout field
// rules service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	fieldgate "github.com/ecomkit/fieldgate/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the fieldgate server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements fieldgate.RuleManager, fieldgate.Resolver,
// fieldgate.SettingsManager, and fieldgate.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the fieldgate service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireRuleSet struct {
	Section string           `json:"section"`
	Rules   []fieldgate.Rule `json:"rules"`
}

type wireSaveRules struct {
	Rules []fieldgate.Rule `json:"rules"`
}

type wireSettingValue struct {
	Value string `json:"value"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("fieldgate: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("fieldgate: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldgate: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fieldgate: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) ListRules(ctx context.Context, section string) ([]fieldgate.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sections/"+url.PathEscape(section)+"/rules", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireRuleSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out.Rules, nil
}

func (c *Client) SaveRules(ctx context.Context, section string, rules []fieldgate.Rule) ([]fieldgate.Rule, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/sections/"+url.PathEscape(section)+"/rules", wireSaveRules{Rules: rules})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireRuleSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out.Rules, nil
}

// -- Resolver ----------------------------------------------------------------

func (c *Client) Resolve(ctx context.Context, req fieldgate.ResolveRequest) (fieldgate.ResolveResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/resolve", req)
	if err != nil {
		return fieldgate.ResolveResult{}, err
	}
	defer resp.Body.Close()
	var out fieldgate.ResolveResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fieldgate.ResolveResult{}, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out, nil
}

// -- SettingsManager ---------------------------------------------------------

func (c *Client) GetSetting(ctx context.Context, key string) (fieldgate.Setting, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/settings/"+url.PathEscape(key), nil)
	if err != nil {
		return fieldgate.Setting{}, err
	}
	defer resp.Body.Close()
	var out fieldgate.Setting
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fieldgate.Setting{}, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) SetSetting(ctx context.Context, key, value string) (fieldgate.Setting, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/settings/"+url.PathEscape(key), wireSettingValue{Value: value})
	if err != nil {
		return fieldgate.Setting{}, err
	}
	defer resp.Body.Close()
	var out fieldgate.Setting
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fieldgate.Setting{}, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) ListSettings(ctx context.Context) ([]fieldgate.Setting, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/settings", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []fieldgate.Setting
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fieldgate: decode response: %w", err)
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits ChangeEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops. An empty section subscribes to all sections.
func (c *Client) Stream(ctx context.Context, lastEventID int64, section string) (<-chan fieldgate.ChangeEvent, error) {
	streamURL := c.cfg.BaseURL + "/v1/stream"
	if section != "" {
		streamURL += "?section=" + url.QueryEscape(section)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fieldgate: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldgate: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan fieldgate.ChangeEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed ChangeEvents to ch.
// It implements the subset of the SSE spec used by the fieldgate server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- fieldgate.ChangeEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				ev := fieldgate.ChangeEvent{
					Type:    eventType,
					EventID: eventID,
					Payload: json.RawMessage(strings.Join(dataLines, "\n")),
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil && id >= 0 {
				eventID = id
			}
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
