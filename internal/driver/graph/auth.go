// Package graph implements the storage driver for Microsoft Graph drives
// (OneDrive and SharePoint document libraries).
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/filegate/filegate/pkg/fgerr"
)

const (
	defaultTokenEndpoint = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	// refreshMargin renews the access token this long before expiry.
	refreshMargin = 5 * time.Minute
)

// tokenManager owns the refresh-token flow. It caches one access token and
// refreshes it shortly before expiry; a mutex guards the refresh so at most
// one renewal is in flight and concurrent callers await its result.
type tokenManager struct {
	clientID      string
	clientSecret  string
	refreshToken  string
	tokenEndpoint string

	// onlineAPI, when set, replaces the native OAuth endpoint with a
	// renewal service that takes the refresh token as a refresh_ui GET
	// parameter.
	onlineAPI string

	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Token returns a valid access token, refreshing when the cached one is
// absent or within the refresh margin of expiry.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && time.Now().Add(refreshMargin).Before(m.expiresAt) {
		return m.accessToken, nil
	}

	token, expiresIn, err := m.renew(ctx)
	if err != nil {
		// A failed renewal invalidates the cache so the next caller
		// retries from scratch.
		m.accessToken = ""
		m.expiresAt = time.Time{}
		return "", err
	}
	m.accessToken = token
	m.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return token, nil
}

func (m *tokenManager) renew(ctx context.Context) (string, int64, error) {
	if m.onlineAPI != "" {
		return m.renewViaOnlineAPI(ctx)
	}
	return m.renewViaOAuth(ctx)
}

func (m *tokenManager) renewViaOAuth(ctx context.Context) (string, int64, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.refreshToken},
		"client_id":     {m.clientID},
	}
	if m.clientSecret != "" {
		form.Set("client_secret", m.clientSecret)
	}

	endpoint := m.tokenEndpoint
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindInternal, "token request build failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindUpstream, "token renewal failed", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindUpstream, "malformed token response", err)
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		m.logger.Warn("token renewal rejected", "status", resp.StatusCode, "error", tr.Error)
		return "", 0, fgerr.Newf(fgerr.KindForbidden, "token renewal rejected: %s", tr.Error)
	}
	if tr.RefreshToken != "" {
		m.refreshToken = tr.RefreshToken
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

func (m *tokenManager) renewViaOnlineAPI(ctx context.Context) (string, int64, error) {
	endpoint := fmt.Sprintf("%s?refresh_ui=%s", m.onlineAPI, url.QueryEscape(m.refreshToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindInternal, "token request build failed", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindUpstream, "online api renewal failed", err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		m.logger.Warn("online api renewal rejected", "status", resp.StatusCode, "body", string(body))
		return "", 0, fgerr.Newf(fgerr.KindUpstream, "online api renewal returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fgerr.Wrap(fgerr.KindUpstream, "malformed token response", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fgerr.New(fgerr.KindForbidden, "online api returned no access token")
	}
	if tr.RefreshToken != "" {
		m.refreshToken = tr.RefreshToken
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}
