// Package blizzard talks to the Battle.net game API: OAuth2
// client-credentials auth, bearer REST calls, pagination, and mapping of
// HTTP failures onto the upstream error taxonomy. Every request passes
// through the shared rate limiter first.
package blizzard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"guildwatch/internal/domain"
	"guildwatch/internal/ratelimit"
)

const defaultAuthURL = "https://oauth.battle.net/token"
const tokenExpiryBuffer = 60 * time.Second
const defaultMaxAttempts = 3
const retryBackoffBase = 500 * time.Millisecond

// Config carries everything the client needs; zero fields get defaults.
type Config struct {
	ClientID     string
	ClientSecret string
	Region       string
	Locale       string
	MaxPages     int
	MaxAttempts  int

	// AuthURL and APIBase override the real endpoints in tests.
	AuthURL string
	APIBase string

	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
}

type Client struct {
	cfg Config

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	if cfg.Region == "" {
		cfg.Region = "us"
	}
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) apiBase() string {
	if c.cfg.APIBase != "" {
		return c.cfg.APIBase
	}
	return fmt.Sprintf("https://%s.api.blizzard.com", c.cfg.Region)
}

// accessToken returns a cached OAuth2 token, exchanging client credentials
// for a fresh one when the cached token is near expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &domain.UpstreamError{Kind: domain.KindTransient, Err: err}
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", &domain.UpstreamError{Kind: domain.KindTransient, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		kind := domain.KindUnauthorized
		if resp.StatusCode >= 500 {
			kind = domain.KindTransient
		}
		return "", &domain.UpstreamError{
			Kind:   kind,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("token exchange failed: %s", strings.TrimSpace(string(body))),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &domain.UpstreamError{Kind: domain.KindMalformedResponse, Status: resp.StatusCode, Err: err}
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = 3600
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryBuffer)
	log.Printf("blizzard token refreshed, expires_in=%ds", tok.ExpiresIn)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// namespaceFor follows the upstream convention: /data/ endpoints use the
// dynamic namespace, profile endpoints the profile one.
func (c *Client) namespaceFor(endpoint string) string {
	if strings.Contains(endpoint, "/data/") {
		return "dynamic-" + c.cfg.Region
	}
	return "profile-" + c.cfg.Region
}

// get performs one authenticated, rate-limited request with bounded
// retries. Transient failures back off exponentially with jitter; 429
// corrects the shared budget and waits the server-given delay; 401/403
// gets a single token refresh before surfacing Unauthorized.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var lastErr error
	refreshedToken := false

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if c.cfg.Limiter != nil {
			dec, err := c.cfg.Limiter.Admit(ctx, c.cfg.ClientID, 1)
			if err != nil {
				return nil, err
			}
			if !dec.Allowed {
				lastErr = &domain.UpstreamError{Kind: domain.KindRateLimited, RetryAfter: dec.RetryAfter}
				if err := c.sleep(ctx, dec.RetryAfter); err != nil {
					return nil, lastErr
				}
				continue
			}
		}

		token, err := c.accessToken(ctx)
		if err != nil {
			if domain.UpstreamKind(err) == domain.KindTransient {
				lastErr = err
				continue
			}
			return nil, err
		}

		q := url.Values{}
		q.Set("namespace", c.namespaceFor(endpoint))
		q.Set("locale", c.cfg.Locale)
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		reqURL := c.apiBase() + endpoint + "?" + q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &domain.UpstreamError{Kind: domain.KindTransient, Err: err}
			log.Printf("blizzard transient error endpoint=%s attempt=%d: %v", endpoint, attempt+1, err)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = &domain.UpstreamError{Kind: domain.KindTransient, Err: readErr}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if c.cfg.Limiter != nil {
				c.cfg.Limiter.Penalize(c.cfg.ClientID, retryAfter)
			}
			lastErr = &domain.UpstreamError{Kind: domain.KindRateLimited, Status: resp.StatusCode, RetryAfter: retryAfter}
			log.Printf("blizzard rate limited endpoint=%s retry_after=%s", endpoint, retryAfter)
			if err := c.sleep(ctx, retryAfter); err != nil {
				return nil, lastErr
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, &domain.UpstreamError{Kind: domain.KindNotFound, Status: resp.StatusCode,
				Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !refreshedToken {
				refreshedToken = true
				c.invalidateToken()
				log.Printf("blizzard got %d, refreshing token once", resp.StatusCode)
				continue
			}
			return nil, &domain.UpstreamError{Kind: domain.KindUnauthorized, Status: resp.StatusCode,
				Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}

		case resp.StatusCode >= 500:
			lastErr = &domain.UpstreamError{Kind: domain.KindTransient, Status: resp.StatusCode,
				Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
			log.Printf("blizzard %d endpoint=%s attempt=%d", resp.StatusCode, endpoint, attempt+1)
			continue

		default:
			return nil, &domain.UpstreamError{Kind: domain.KindMalformedResponse, Status: resp.StatusCode,
				Err: fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body)))}
		}
	}

	if lastErr == nil {
		lastErr = &domain.UpstreamError{Kind: domain.KindTransient, Err: fmt.Errorf("retries exhausted")}
	}
	return nil, lastErr
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}
