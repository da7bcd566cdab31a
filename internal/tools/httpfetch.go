package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	HTTPFetchName = "http_fetch"
	maxRedirects  = 5
)

type HTTPFetch struct {
	client *http.Client
}

func NewHTTPFetch(client *http.Client) *HTTPFetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetch{client: client}
}

func (t *HTTPFetch) Name() string { return HTTPFetchName }

func (t *HTTPFetch) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        HTTPFetchName,
		Description: "Fetch a URL with an HTTP GET request and return the response body.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"http or https URL"}},"required":["url"],"additionalProperties":false}`),
		SubjectArg:  "url",
		SubjectKind: types.SubjectURL,
	}
}

type httpFetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

func (t *HTTPFetch) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	target, err := stringArg(call.Args, "url")
	if err != nil {
		return nil, err
	}
	limit := call.limit()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInvalidArgs, err)
	}
	req.Header.Set("user-agent", "crab-core/1")

	resp, err := t.clientFor(call).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: response is %d bytes", ErrOutputLimit, resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrOutputLimit, limit)
	}
	return marshalPayload(httpFetchResult{
		URL:         target,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("content-type"),
		Body:        string(body),
	}, limit)
}

// clientFor returns a copy of the client whose redirect policy re-checks
// every hop with the call's authorizer.
func (t *HTTPFetch) clientFor(call Call) *http.Client {
	client := *t.client
	next := t.client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("too many redirects")
		}
		if err := call.authorize(req.URL.String()); err != nil {
			return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
		}
		if next != nil {
			return next(req, via)
		}
		return nil
	}
	return &client
}
