package stepservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/caravanhq/caravan/pkg/types"
)

// flagCacheTTL bounds how stale a child's view of its flags may be. Short
// by design: flag changes must take effect within seconds without
// restarting children.
const flagCacheTTL = time.Second

// visitDecisionTTL keeps per-correlation error decisions for the lifetime
// of a journey run.
const visitDecisionTTL = 10 * time.Minute

// FlagClient fetches the service's effective flag set from the engine,
// caching it per (service, short TTL).
type FlagClient struct {
	engineURL   string
	serviceName string
	httpc       *http.Client
	cache       *gocache.Cache
}

// NewFlagClient creates a flag client for serviceName against engineURL.
func NewFlagClient(engineURL, serviceName string) *FlagClient {
	return &FlagClient{
		engineURL:   engineURL,
		serviceName: serviceName,
		httpc:       &http.Client{Timeout: 2 * time.Second},
		cache:       gocache.New(flagCacheTTL, 30*time.Second),
	}
}

type flagResponse struct {
	Success bool          `json:"success"`
	Flags   types.FlagSet `json:"flags"`
}

// Effective returns the service's current effective flag set. A cached set
// no older than the TTL is served without a network hop. On fetch failure
// the documented defaults apply (fail-open: the show must go on).
func (c *FlagClient) Effective(ctx context.Context) types.FlagSet {
	if cached, ok := c.cache.Get("flags"); ok {
		return cached.(types.FlagSet)
	}

	flags, err := c.fetch(ctx)
	if err != nil {
		return types.DefaultFlags()
	}
	c.cache.Set("flags", flags, flagCacheTTL)
	return flags
}

func (c *FlagClient) fetch(ctx context.Context) (types.FlagSet, error) {
	u := fmt.Sprintf("%s/api/feature_flag?service=%s", c.engineURL, url.QueryEscape(c.serviceName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flag fetch returned HTTP %d", resp.StatusCode)
	}

	var body flagResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Flags == nil {
		return nil, fmt.Errorf("flag fetch returned no flags")
	}
	return body.Flags, nil
}

// VisitDecision memoizes the errors_per_visit sample for one correlation
// id: the probability applies once per journey, not once per step.
func (c *FlagClient) VisitDecision(correlationID string, sample func() bool) bool {
	key := "visit:" + correlationID
	if v, ok := c.cache.Get(key); ok {
		return v.(bool)
	}
	decision := sample()
	c.cache.Set(key, decision, visitDecisionTTL)
	return decision
}
