// Package http provides an HTTP client for the discountfn service.
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

	discountfn "github.com/matt-riley/discountfn/clients/go"
)

// OutcomeHeader is the response header carrying the outcome of a run.
const OutcomeHeader = "X-Discount-Outcome"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the discountfn server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements discountfn.DiscountManager, discountfn.Evaluator, and
// discountfn.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ discountfn.DiscountManager = (*Client)(nil)
	_ discountfn.Evaluator       = (*Client)(nil)
	_ discountfn.Streamer        = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the discountfn service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireDiscountRequest struct {
	ID              string          `json:"id,omitempty"`
	Title           string          `json:"title"`
	DiscountClasses []string        `json:"discount_classes,omitempty"`
	Configuration   json.RawMessage `json:"configuration,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

type wireEvaluateRequest struct {
	Cart json.RawMessage `json:"cart"`
}

type wireError struct {
	Error string `json:"error"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("discountfn: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discountfn: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("discountfn: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("discountfn: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discountfn: HTTP %d: %s", e.StatusCode, e.Message)
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(raw))

	var body wireError
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		message = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

func discountPath(id string) string {
	return "/v1/discounts/" + url.PathEscape(id)
}

func encodeDiscount(d discountfn.Discount, withID bool) (wireDiscountRequest, error) {
	enabled := d.Enabled
	req := wireDiscountRequest{
		Title:           d.Title,
		DiscountClasses: d.DiscountClasses,
		Enabled:         &enabled,
	}
	if withID {
		req.ID = d.ID
	}
	if d.Configuration != nil {
		b, err := json.Marshal(*d.Configuration)
		if err != nil {
			return req, fmt.Errorf("discountfn: encode configuration: %w", err)
		}
		req.Configuration = b
	}
	return req, nil
}

// -- DiscountManager ---------------------------------------------------------

func (c *Client) CreateDiscount(ctx context.Context, discount discountfn.Discount) (discountfn.Discount, error) {
	body, err := encodeDiscount(discount, false)
	if err != nil {
		return discountfn.Discount{}, err
	}
	var out discountfn.Discount
	if err := c.doJSON(ctx, http.MethodPost, "/v1/discounts", body, &out); err != nil {
		return discountfn.Discount{}, err
	}
	return out, nil
}

func (c *Client) GetDiscount(ctx context.Context, id string) (discountfn.Discount, error) {
	var out discountfn.Discount
	if err := c.doJSON(ctx, http.MethodGet, discountPath(id), nil, &out); err != nil {
		return discountfn.Discount{}, err
	}
	return out, nil
}

func (c *Client) ListDiscounts(ctx context.Context) ([]discountfn.Discount, error) {
	var out []discountfn.Discount
	if err := c.doJSON(ctx, http.MethodGet, "/v1/discounts", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []discountfn.Discount{}
	}
	return out, nil
}

func (c *Client) UpdateDiscount(ctx context.Context, discount discountfn.Discount) (discountfn.Discount, error) {
	if discount.ID == "" {
		return discountfn.Discount{}, fmt.Errorf("discountfn: update discount: id is required")
	}
	body, err := encodeDiscount(discount, true)
	if err != nil {
		return discountfn.Discount{}, err
	}
	var out discountfn.Discount
	if err := c.doJSON(ctx, http.MethodPut, discountPath(discount.ID), body, &out); err != nil {
		return discountfn.Discount{}, err
	}
	return out, nil
}

func (c *Client) DeleteDiscount(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, discountPath(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) ResolveConfiguration(ctx context.Context, id string) (discountfn.Configuration, error) {
	var out discountfn.Configuration
	if err := c.doJSON(ctx, http.MethodGet, discountPath(id)+"/configuration", nil, &out); err != nil {
		return discountfn.Configuration{}, err
	}
	return out, nil
}

func (c *Client) Evaluate(ctx context.Context, id string, cart json.RawMessage) (discountfn.Evaluation, error) {
	var out discountfn.Evaluation
	if err := c.doJSON(ctx, http.MethodPost, discountPath(id)+"/evaluate", wireEvaluateRequest{Cart: cart}, &out); err != nil {
		return discountfn.Evaluation{}, err
	}
	return out, nil
}

// Run posts a function-input document and returns the function-output
// document unchanged.
func (c *Client) Run(ctx context.Context, input json.RawMessage) (discountfn.RunResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/run", bytes.NewReader(input))
	if err != nil {
		return discountfn.RunResult{}, err
	}
	resp, err := c.send(req)
	if err != nil {
		return discountfn.RunResult{}, err
	}
	defer resp.Body.Close()

	output, err := io.ReadAll(resp.Body)
	if err != nil {
		return discountfn.RunResult{}, fmt.Errorf("discountfn: read response: %w", err)
	}
	return discountfn.RunResult{
		Output:  bytes.TrimSpace(output),
		Outcome: resp.Header.Get(OutcomeHeader),
	}, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits DiscountEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan discountfn.DiscountEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan discountfn.DiscountEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed DiscountEvents to ch. It
// handles the id, event and data fields, dispatching on a blank line and
// joining multi-line data.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- discountfn.DiscountEvent) {
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

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := discountfn.DiscountEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var d discountfn.Discount
					if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &d); jsonErr == nil {
						ev.Discount = &d
						ev.DiscountID = d.ID
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil && id >= 0 {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
