// Package directory resolves author DIDs to their handles via the PLC
// directory. Results are cached in-process for an hour; transient
// failures are retried with exponential backoff.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultEndpoint = "https://plc.directory"
	cacheTTL        = time.Hour

	retryInitial = 100 * time.Millisecond
	retryMax     = 10 * time.Second
)

// Handles is the resolved identity of a DID: the first advertised handle
// and the complete alsoKnownAs list.
type Handles struct {
	Primary string
	All     []string
}

// Client looks up DIDs against a PLC directory endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	cache    *expirable.LRU[string, Handles]
}

// New creates a Client against the public PLC directory.
func New() *Client {
	return NewWithEndpoint(defaultEndpoint)
}

// NewWithEndpoint creates a Client against a specific directory URL.
// Used by tests to point at a local server.
func NewWithEndpoint(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		// Size 0 means unbounded; DID cardinality is small relative
		// to memory and entries expire after an hour anyway.
		cache: expirable.NewLRU[string, Handles](0, nil, cacheTTL),
	}
}

// Lookup returns the handles for a DID, consulting the cache first.
// Transient directory failures (network errors, non-2xx statuses) are
// retried with exponential backoff from 100ms up to a 10s cap, without
// an attempt limit; only context cancellation or a permanently
// malformed response makes Lookup give up.
func (c *Client) Lookup(ctx context.Context, did string) (Handles, error) {
	if h, ok := c.cache.Get(did); ok {
		return h, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryMax
	bo.MaxElapsedTime = 0

	var h Handles
	op := func() error {
		var err error
		h, err = c.fetch(ctx, did)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Handles{}, err
	}

	c.cache.Add(did, h)
	return h, nil
}

// fetch performs one GET against the directory.
func (c *Client) fetch(ctx context.Context, did string) (Handles, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+did, nil)
	if err != nil {
		return Handles{}, backoff.Permanent(fmt.Errorf("directory: create request for %s: %w", did, err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Handles{}, fmt.Errorf("directory: GET %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return Handles{}, fmt.Errorf("directory: lookup %s returned %d", did, resp.StatusCode)
	}

	var doc struct {
		AlsoKnownAs []string `json:"alsoKnownAs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Handles{}, backoff.Permanent(fmt.Errorf("directory: decode response for %s: %w", did, err))
	}
	if len(doc.AlsoKnownAs) == 0 {
		return Handles{}, backoff.Permanent(fmt.Errorf("directory: %s has no alsoKnownAs entries", did))
	}

	return Handles{Primary: doc.AlsoKnownAs[0], All: doc.AlsoKnownAs}, nil
}

// Close releases the client's idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
