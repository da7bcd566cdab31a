package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBodyBytes  = 4 << 10

	HeaderEvent        = "X-Crab-Event"
	HeaderEventID      = "X-Crab-Event-Id"
	HeaderConversation = "X-Crab-Conversation"
	HeaderTimestamp    = "X-Crab-Timestamp"
	HeaderSignature    = "X-Crab-Signature"
)

type Option func(*Sink)

type Sink struct {
	name       string
	url        string
	httpClient *http.Client
	filter     func(types.EventType) bool
	secret     []byte
	now        func() time.Time
}

func New(name string, url string, opts ...Option) *Sink {
	sink := &Sink{
		name:       strings.TrimSpace(name),
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		now:        time.Now,
	}
	if sink.name == "" {
		sink.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	return sink
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Sink) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithEventFilter(filter func(types.EventType) bool) Option {
	return func(s *Sink) {
		s.filter = filter
	}
}

// WithSigningSecret signs every delivery; see Sign.
func WithSigningSecret(secret []byte) Option {
	return func(s *Sink) {
		if len(secret) > 0 {
			s.secret = append([]byte(nil), secret...)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// Sign returns the X-Crab-Signature value for a delivery: the hex HMAC-SHA256
// of "<timestamp>.<body>" prefixed with "sha256=".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Handle(ctx context.Context, event types.Event) error {
	if s.filter != nil && !s.filter(event.Type) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	if event.ConversationID != "" {
		req.Header.Set(HeaderConversation, event.ConversationID.String())
	}
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, timestamp)
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, timestamp, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}

	errorBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes+1))
	if err != nil {
		return fmt.Errorf("webhook status=%d read body: %w", resp.StatusCode, err)
	}
	truncated := ""
	if len(errorBody) > maxErrorBodyBytes {
		errorBody = errorBody[:maxErrorBodyBytes]
		truncated = " (truncated)"
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, string(errorBody), truncated)
}
