// Package marketplace talks to the selling partner API: access tokens,
// listing price updates and competitive offer polling.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"repricer/internal/core"
	apperrors "repricer/pkg/errors"
	pkghttp "repricer/pkg/http"

	"golang.org/x/sync/singleflight"
)

// AccessTokenHeader carries the LWA access token on every API call
const AccessTokenHeader = "x-amz-access-token"

// tokenRefreshSkew renews a token this long before it expires
const tokenRefreshSkew = time.Minute

// Credentials for the refresh-token grant
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenProvider exchanges the refresh token for short lived access tokens.
// Tokens are cached until shortly before expiry and concurrent refreshes are
// collapsed into one call.
type TokenProvider struct {
	creds   Credentials
	client  *pkghttp.Client
	logger  core.ILogger
	group   singleflight.Group
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewTokenProvider creates a token provider
func NewTokenProvider(creds Credentials, timeout time.Duration, logger core.ILogger) *TokenProvider {
	opts := pkghttp.DefaultOptions()
	opts.MaxRetries = 2
	return &TokenProvider{
		creds:   creds,
		client:  pkghttp.NewClientWithOptions("", timeout, nil, opts),
		logger:  logger.WithField("component", "lwa_token"),
		timeout: timeout,
		now:     time.Now,
	}
}

// Token returns a valid access token, refreshing it when needed
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	token, expiresAt := p.token, p.expiresAt
	p.mu.RUnlock()
	if token != "" && p.now().Before(expiresAt.Add(-tokenRefreshSkew)) {
		return token, nil
	}

	// The shared refresh outlives any single caller; each caller stops waiting on its own ctx
	ch := p.group.DoChan("token", func() (interface{}, error) {
		rctx, cancel := p.refreshContext(ctx)
		defer cancel()
		return p.refresh(rctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SignRequest implements pkghttp.Signer
func (p *TokenProvider) SignRequest(req *http.Request) error {
	token, err := p.Token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set(AccessTokenHeader, token)
	return nil
}

// Invalidate drops the cached token so the next call refreshes
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

func (p *TokenProvider) refreshContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if p.timeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, p.timeout)
}

func (p *TokenProvider) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.creds.RefreshToken},
		"client_id":     {p.creds.ClientID},
		"client_secret": {p.creds.ClientSecret},
	}

	body, err := p.client.PostForm(ctx, p.creds.TokenURL, form)
	if err != nil {
		var apiErr *pkghttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return "", fmt.Errorf("%w: token refresh rejected: status=%d", apperrors.ErrAuthenticationFailed, apiErr.StatusCode)
		}
		return "", fmt.Errorf("%w: token refresh: %v", apperrors.ErrNetwork, err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: token response without access_token", apperrors.ErrAuthenticationFailed)
	}

	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}

	p.mu.Lock()
	p.token = resp.AccessToken
	p.expiresAt = p.now().Add(expiresIn)
	p.mu.Unlock()

	p.logger.Debug("Access token refreshed", "expires_in", expiresIn)
	return resp.AccessToken, nil
}
