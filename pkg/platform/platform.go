// Package platform ships change and business events to a Dynatrace-style
// observability backend over its public ingest APIs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caravanhq/caravan/pkg/events"
	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

const (
	// CredentialsFileName is looked up under the data directory when the
	// environment carries no platform credentials.
	CredentialsFileName = "platform-credentials.json"

	changeIngestPath   = "/api/v2/events/ingest"
	businessIngestPath = "/api/v2/bizevents/ingest"

	defaultRequestTimeout = 10 * time.Second
)

// ErrNotConfigured means neither env vars nor a credentials file supplied
// a platform endpoint.
var ErrNotConfigured = errors.New("platform: no credentials configured")

// Credentials identify one platform tenant.
type Credentials struct {
	// Environment is either a bare environment id ("abc12345") or a full
	// base URL ("https://abc12345.live.dynatrace.com").
	Environment string `json:"environment"`
	APIToken    string `json:"apiToken"`
}

// credentialsFile is the on-disk shape. OAuth-flow writers store the API
// token under "token" alongside a refresh token and expiry; both spellings
// are accepted and the extra fields are tolerated.
type credentialsFile struct {
	Environment  string `json:"environment"`
	Token        string `json:"token"`
	APIToken     string `json:"apiToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// ResolveCredentials prefers explicit values, then the credentials file in
// dataDir. ErrNotConfigured when neither yields a usable pair.
func ResolveCredentials(environment, apiToken, dataDir string) (Credentials, error) {
	if environment != "" && apiToken != "" {
		return Credentials{Environment: environment, APIToken: apiToken}, nil
	}

	path := filepath.Join(dataDir, CredentialsFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, ErrNotConfigured
		}
		return Credentials{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var file credentialsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Credentials{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	token := file.Token
	if token == "" {
		token = file.APIToken
	}
	if file.Environment == "" || token == "" {
		return Credentials{}, ErrNotConfigured
	}
	return Credentials{Environment: file.Environment, APIToken: token}, nil
}

// Client delivers events to one tenant. It implements events.Destination.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ events.Destination = (*Client)(nil)

// NewClient builds a client for the given tenant.
func NewClient(creds Credentials) *Client {
	return &Client{
		baseURL: baseURL(creds.Environment),
		token:   creds.APIToken,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

func baseURL(environment string) string {
	if strings.Contains(environment, "://") {
		return strings.TrimRight(environment, "/")
	}
	return fmt.Sprintf("https://%s.live.dynatrace.com", environment)
}

func (c *Client) Name() string { return "platform" }

// Deliver routes the event to the matching ingest endpoint. Client-side
// errors other than throttling are not retried.
func (c *Client) Deliver(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case types.EventTypeChange:
		return c.post(ctx, changeIngestPath, changePayload(ev.Change))
	case types.EventTypeBusiness:
		return c.post(ctx, businessIngestPath, businessPayload(ev.Business))
	default:
		return backoff.Permanent(fmt.Errorf("platform: unknown event kind %q", ev.Kind))
	}
}

// changePayload shapes a flag mutation as a deployment event so the
// platform's change correlation picks it up.
func changePayload(ev *types.ChangeEvent) map[string]any {
	props := map[string]any{
		"feature.flag":   ev.FlagName,
		"previous.value": fmt.Sprintf("%v", ev.PreviousValue),
		"new.value":      fmt.Sprintf("%v", ev.NewValue),
		"scope":          ev.Scope,
	}
	if ev.TriggeredBy != "" {
		props["triggered.by"] = ev.TriggeredBy
	}
	if ev.ProblemID != "" {
		props["problem.id"] = ev.ProblemID
	}
	if ev.Reason != "" {
		props["change.reason"] = ev.Reason
	}
	return map[string]any{
		"eventType":  "CUSTOM_DEPLOYMENT",
		"title":      fmt.Sprintf("Feature flag %s changed", ev.FlagName),
		"properties": props,
	}
}

// businessPayload shapes a step outcome for the bizevents ingest API.
func businessPayload(ev *types.BusinessEvent) map[string]any {
	payload := map[string]any{
		"event.type":         "journey.step",
		"event.provider":     ev.CompanyName,
		"correlation.id":     ev.CorrelationID,
		"journey.id":         ev.JourneyID,
		"step.name":          ev.StepName,
		"service.name":       ev.ServiceName,
		"step.status":        ev.Status,
		"processing.time.ms": ev.ProcessingTimeMs,
		"timestamp":          ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range ev.AdditionalFields {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return payload
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("platform: %s returned %d", path, resp.StatusCode)
	default:
		// Auth and payload errors will not heal on retry.
		logger := log.WithComponent("platform")
		logger.Warn().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("Platform rejected event")
		return backoff.Permanent(fmt.Errorf("platform: %s returned %d", path, resp.StatusCode))
	}
}
