// Package oauth implements the authorization-code-with-PKCE flow against
// Anthropic's OAuth endpoint and serializes access-token refresh under
// concurrent request load (C5).
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"maxrelay/internal/logging"
	"maxrelay/internal/proxyerr"
	"maxrelay/internal/store"

	"golang.org/x/sync/singleflight"
)

const (
	fallbackClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	authURL          = "https://claude.ai/oauth/authorize"
	tokenURL         = "https://console.anthropic.com/v1/oauth/token"
	redirectURI      = "https://console.anthropic.com/oauth/code/callback"
	requiredScopes   = "org:create_api_key user:profile user:inference"

	refreshSkew  = 60 * time.Second
	pendingFlowTTL = 15 * time.Minute
	httpTimeout  = 30 * time.Second
)

// PendingFlow is a transient, in-memory authorization attempt awaiting the
// user to complete the browser round-trip (spec §3 Pending OAuth flow).
type PendingFlow struct {
	State        string
	CodeVerifier string
	ExpiresAt    time.Time
}

// Manager provides OAuth credential lifecycle operations: start flow,
// exchange code, access-token provision with transparent refresh, and
// disconnect (spec §4.1).
type Manager struct {
	creds  store.CredentialService
	client *http.Client

	mu     sync.Mutex
	flows  map[string]PendingFlow

	sf singleflight.Group
}

func NewManager(creds store.CredentialService) *Manager {
	return &Manager{
		creds: creds,
		client: &http.Client{Timeout: httpTimeout},
		flows: make(map[string]PendingFlow),
	}
}

// StartFlow generates PKCE parameters, stores the pending flow keyed by
// state, and returns the authorization URL to send the operator to.
func (m *Manager) StartFlow() (authorizationURL, state string) {
	verifier := generateCodeVerifier()
	challenge := generateCodeChallenge(verifier)
	state = generateCodeVerifier()

	m.mu.Lock()
	m.sweepLocked()
	m.flows[state] = PendingFlow{
		State:        state,
		CodeVerifier: verifier,
		ExpiresAt:    time.Now().Add(pendingFlowTTL),
	}
	m.mu.Unlock()

	params := url.Values{
		"client_id":             {fallbackClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"state":                 {state},
		"scope":                 {requiredScopes},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return fmt.Sprintf("%s?%s", authURL, params.Encode()), state
}

// sweepLocked drops expired pending flows. Caller must hold m.mu.
func (m *Manager) sweepLocked() {
	now := time.Now()
	for state, flow := range m.flows {
		if now.After(flow.ExpiresAt) {
			delete(m.flows, state)
		}
	}
}

// ExchangeCode completes the flow given "code" or "code#state". If state is
// omitted and exactly one pending flow exists, that one is used.
func (m *Manager) ExchangeCode(ctx context.Context, codeAndState string) error {
	code, state, err := splitCodeState(codeAndState)
	if err != nil {
		return proxyerr.Wrap(proxyerr.OAuthExchangeFailed, "parsing authorization code", err)
	}

	m.mu.Lock()
	m.sweepLocked()
	var flow PendingFlow
	var ok bool
	if state != "" {
		flow, ok = m.flows[state]
	} else if len(m.flows) == 1 {
		for _, f := range m.flows {
			flow, ok = f, true
		}
	}
	if ok {
		delete(m.flows, flow.State)
	}
	m.mu.Unlock()

	if !ok {
		return proxyerr.New(proxyerr.OAuthExchangeFailed, "no matching pending authorization flow")
	}

	payload := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     fallbackClientID,
		"code":          code,
		"state":         flow.State,
		"code_verifier": flow.CodeVerifier,
		"redirect_uri":  redirectURI,
	}

	tok, err := m.postToken(ctx, payload)
	if err != nil {
		return proxyerr.Wrap(proxyerr.OAuthExchangeFailed, "exchanging authorization code", err)
	}

	return m.creds.Put(ctx, store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix(),
		Plan:         tok.Plan,
	})
}

// AccessToken returns a valid access token, refreshing it first if it is
// within refreshSkew of expiry. Concurrent callers during a refresh share
// a single upstream refresh call (spec §8 "Refresh serialization").
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	cred, ok, err := m.creds.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("reading oauth credential: %w", err)
	}
	if !ok {
		return "", proxyerr.New(proxyerr.NotAuthenticated, "no oauth credential connected")
	}

	if time.Now().Before(time.Unix(cred.ExpiresAt, 0).Add(-refreshSkew)) {
		return cred.AccessToken, nil
	}

	return m.ForceRefresh(ctx)
}

// ForceRefresh refreshes the access token unconditionally, used for the
// proxy pipeline's single retry-on-401 (spec §4.5 step 7).
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("credential", func() (any, error) {
		cred, ok, err := m.creds.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("reading oauth credential: %w", err)
		}
		if !ok || cred.RefreshToken == "" {
			return "", proxyerr.New(proxyerr.NotAuthenticated, "no oauth credential to refresh")
		}

		payload := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": cred.RefreshToken,
			"client_id":     fallbackClientID,
		}
		tok, err := m.postToken(ctx, payload)
		if err != nil {
			return "", proxyerr.Wrap(proxyerr.OAuthRefreshFailed, "refreshing access token", err)
		}

		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = cred.RefreshToken
		}
		newCred := store.Credential{
			AccessToken:  tok.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix(),
			Plan:         cred.Plan,
		}
		if err := m.creds.Put(ctx, newCred); err != nil {
			return "", fmt.Errorf("storing refreshed credential: %w", err)
		}
		return newCred.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Disconnect deletes the stored credential. In-flight refreshes may still
// complete; subsequent lookups fail with NotAuthenticated.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.creds.Delete(ctx)
}

// Status reports whether a credential is connected, without exposing the
// access token.
func (m *Manager) Status(ctx context.Context) (connected bool, plan string, expiresAt int64, err error) {
	cred, ok, err := m.creds.Get(ctx)
	if err != nil {
		return false, "", 0, err
	}
	return ok, cred.Plan, cred.ExpiresAt, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Plan         string `json:"plan,omitempty"`
}

func (m *Manager) postToken(ctx context.Context, payload map[string]string) (*tokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling oauth token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	logging.Info("oauth token endpoint call completed", "grant_type", payload["grant_type"])
	return &tok, nil
}

func splitCodeState(raw string) (code, state string, err error) {
	raw = strings.TrimSpace(raw)
	parts := strings.SplitN(raw, "#", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
	}
	if raw == "" {
		return "", "", fmt.Errorf("empty authorization code")
	}
	return raw, "", nil
}

func generateCodeVerifier() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

func generateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}
