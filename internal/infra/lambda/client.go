// Package lambda is the provider API client for Lambda Cloud. It owns the
// per-credential rate limiter and converts every response into domain types
// at the boundary.
package lambda

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/metrics"
)

// DefaultBaseURL is the public Lambda Cloud API root.
const DefaultBaseURL = "https://cloud.lambda.ai/api/v1"

// Options configures the client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	Retries           int
	RequestsPerSecond float64
	// CatalogTTL caches instance types and ssh keys per credential.
	CatalogTTL time.Duration
}

// DefaultOptions returns the settings used when config leaves them empty.
func DefaultOptions() Options {
	return Options{
		BaseURL:           DefaultBaseURL,
		Timeout:           30 * time.Second,
		Retries:           2,
		RequestsPerSecond: 1,
		CatalogTTL:        10 * time.Minute,
	}
}

// Client implements domain.Provider.
type Client struct {
	http    *resty.Client
	limiter *Limiter
	catalog *cache.Cache
	now     func() time.Time
}

var _ domain.Provider = (*Client)(nil)

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = def.RequestsPerSecond
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = def.CatalogTTL
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(max(0, opts.Retries)).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Client{
		http:    httpClient,
		limiter: NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		catalog: cache.New(opts.CatalogTTL, 2*opts.CatalogTTL),
		now:     time.Now,
	}
}

// ListMachines returns every instance visible to the credential.
func (c *Client) ListMachines(ctx context.Context, credential string) ([]domain.Machine, error) {
	var out listInstancesResponse
	if _, err := c.do(ctx, credential, http.MethodGet, "/instances", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	now := c.now()
	machines := make([]domain.Machine, 0, len(out.Data))
	for _, in := range out.Data {
		machines = append(machines, toMachine(in, now))
	}
	return machines, nil
}

// GetMachine returns one instance, or nil, nil when the provider answers 404.
func (c *Client) GetMachine(ctx context.Context, credential, id string) (*domain.Machine, error) {
	var out getInstanceResponse
	status, err := c.do(ctx, credential, http.MethodGet, "/instances/"+id, nil, &out)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get instance %s", id)
	}
	if out.Data == nil {
		return nil, nil
	}
	m := toMachine(*out.Data, c.now())
	return &m, nil
}

// Terminate requests termination and returns the ids the provider confirmed.
func (c *Client) Terminate(ctx context.Context, credential string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out terminateResponse
	body := terminateRequest{InstanceIDs: ids}
	if _, err := c.do(ctx, credential, http.MethodPost, "/instance-operations/terminate", body, &out); err != nil {
		return nil, errors.Wrapf(err, "terminate %v", ids)
	}
	done := make([]string, 0, len(out.Data.TerminatedInstances))
	for _, in := range out.Data.TerminatedInstances {
		done = append(done, in.ID)
	}
	return done, nil
}

// ListOwnershipKeys returns the ssh keys registered on the account.
func (c *Client) ListOwnershipKeys(ctx context.Context, credential string) ([]domain.OwnershipKey, error) {
	key := "keys:" + credential
	if v, ok := c.catalog.Get(key); ok {
		return v.([]domain.OwnershipKey), nil
	}

	var out sshKeysResponse
	if _, err := c.do(ctx, credential, http.MethodGet, "/ssh-keys", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list ssh keys")
	}
	keys := make([]domain.OwnershipKey, 0, len(out.Data))
	for _, k := range out.Data {
		keys = append(keys, domain.OwnershipKey{ID: k.ID, Name: k.Name, PublicKey: k.PublicKey})
	}
	c.catalog.Set(key, keys, cache.DefaultExpiration)
	return keys, nil
}

// ListMachineTypes returns the instance-type catalog sorted by name, with
// the regions that currently have capacity.
func (c *Client) ListMachineTypes(ctx context.Context, credential string) ([]domain.MachineType, error) {
	key := "types:" + credential
	if v, ok := c.catalog.Get(key); ok {
		return v.([]domain.MachineType), nil
	}

	types, err := c.fetchMachineTypes(ctx, credential)
	if err != nil {
		return nil, err
	}
	c.catalog.Set(key, types, cache.DefaultExpiration)
	return types, nil
}

// FreshMachineTypes bypasses the catalog cache. Availability tracking needs
// live capacity data.
func (c *Client) FreshMachineTypes(ctx context.Context, credential string) ([]domain.MachineType, error) {
	return c.fetchMachineTypes(ctx, credential)
}

func (c *Client) fetchMachineTypes(ctx context.Context, credential string) ([]domain.MachineType, error) {
	var out instanceTypesResponse
	if _, err := c.do(ctx, credential, http.MethodGet, "/instance-types", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list instance types")
	}
	types := make([]domain.MachineType, 0, len(out.Data))
	for name, e := range out.Data {
		types = append(types, toMachineType(name, e))
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
	return types, nil
}

// do issues one rate-limited request and decodes the result into out. It
// returns the HTTP status so callers can treat specific codes as normal.
func (c *Client) do(ctx context.Context, credential, method, path string, body, out any) (int, error) {
	if credential == "" {
		return 0, domain.ErrMissingCredential
	}
	if err := c.limiter.Wait(ctx, credential); err != nil {
		return 0, errors.Wrap(err, "rate limit wait")
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(credential).
		SetResult(out).
		SetError(&apiError{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	metrics.ProviderLatency.WithLabelValues(endpointLabel(path)).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*apiError); ok && e.Error.Message != "" {
			msg = e.Error.Code + ": " + e.Error.Message
		}
		return resp.StatusCode(), errors.Wrapf(domain.ErrProviderStatus, "%s %s: %d %s", method, path, resp.StatusCode(), msg)
	}
	return resp.StatusCode(), nil
}

// endpointLabel keeps instance ids out of metric labels.
func endpointLabel(path string) string {
	const prefix = "/instances/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return "/instances/{id}"
	}
	return path
}
