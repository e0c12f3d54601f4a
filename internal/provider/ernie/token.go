package ernie

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshMargin is how far ahead of expiry the cached token is refreshed,
// so turns never start with a token about to lapse mid-stream.
const refreshMargin = 5 * time.Minute

// tokenCache exchanges the long-lived API key + secret for a short-lived
// bearer token and caches it process-wide. Concurrent callers during a
// refresh share one in-flight exchange instead of issuing N of them.
type tokenCache struct {
	endpoint string
	client   *http.Client

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

func newTokenCache(endpoint string, client *http.Client) *tokenCache {
	return &tokenCache{endpoint: endpoint, client: client}
}

// Get returns a bearer token valid for at least the refresh margin,
// exchanging credentials if the cached one is missing or near expiry.
func (t *tokenCache) Get(ctx context.Context, apiKey, secretKey string) (string, error) {
	t.mu.RLock()
	token, expires := t.token, t.expires
	t.mu.RUnlock()
	if token != "" && time.Until(expires) > refreshMargin {
		return token, nil
	}

	v, err, _ := t.group.Do("token", func() (any, error) {
		// Re-check under the flight: the previous winner may have already
		// refreshed while this caller was queued.
		t.mu.RLock()
		token, expires := t.token, t.expires
		t.mu.RUnlock()
		if token != "" && time.Until(expires) > refreshMargin {
			return token, nil
		}
		return t.exchange(ctx, apiKey, secretKey)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *tokenCache) exchange(ctx context.Context, apiKey, secretKey string) (string, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", apiKey)
	q.Set("client_secret", secretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/oauth/2.0/token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("token exchange rejected: %s: %s", payload.Error, payload.ErrorDesc)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned no access_token")
	}

	t.mu.Lock()
	t.token = payload.AccessToken
	t.expires = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	t.mu.Unlock()

	return payload.AccessToken, nil
}
