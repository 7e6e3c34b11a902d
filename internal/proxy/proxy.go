// Package proxy composes authentication, cloaking, cache-anchor injection,
// quota admission, OAuth token retrieval, and upstream streaming into the
// request handlers backing /v1/chat/completions and /v1/messages (C9).
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maxrelay/internal/analytics"
	"maxrelay/internal/cache"
	"maxrelay/internal/cloak"
	"maxrelay/internal/config"
	"maxrelay/internal/logging"
	"maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/proxyerr"
	"maxrelay/internal/quota"
	"maxrelay/internal/store"
	"maxrelay/internal/translator"

	"github.com/google/uuid"
)

const (
	messagesPath       = "/v1/messages"
	countTokensPath    = "/v1/messages/count_tokens?beta=true"
	upstreamTimeout    = 10 * time.Minute
	countTokensTimeout = 30 * time.Second
)

// anthropicAPIBase is a var, not a const, so tests can point it at a
// local fake upstream.
var anthropicAPIBase = "https://api.anthropic.com"

// Pipeline is the request handler composing the proxy's domain
// collaborators and performing upstream I/O and streaming (spec §4.5).
type Pipeline struct {
	keys      store.KeyService
	quota     *quota.Engine
	oauth     *oauth.Manager
	models    *model.Store
	analytics analytics.Service
	client    *http.Client
}

func NewPipeline(keys store.KeyService, quotaEngine *quota.Engine, oauthMgr *oauth.Manager, models *model.Store, an analytics.Service) *Pipeline {
	return &Pipeline{
		keys:      keys,
		quota:     quotaEngine,
		oauth:     oauthMgr,
		models:    models,
		analytics: an,
		client:    &http.Client{Timeout: upstreamTimeout},
	}
}

// extractAPIKey reads the caller's secret from x-api-key or a Bearer
// Authorization header (spec §4.1).
func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

// authenticate resolves the caller's API key to its persisted record,
// rejecting unknown, malformed, or disabled keys (spec §4.1, §7).
func (p *Pipeline) authenticate(ctx context.Context, r *http.Request) (store.Key, error) {
	secret := extractAPIKey(r)
	if secret == "" {
		return store.Key{}, proxyerr.New(proxyerr.Unauthorized, "missing API key")
	}
	if !strings.HasPrefix(secret, store.SecretPrefix) {
		return store.Key{}, proxyerr.New(proxyerr.Unauthorized, "malformed API key")
	}
	key, ok, err := p.keys.GetBySecret(ctx, secret)
	if err != nil {
		return store.Key{}, fmt.Errorf("looking up api key: %w", err)
	}
	if !ok || !key.Enabled {
		return store.Key{}, proxyerr.New(proxyerr.Unauthorized, "api key unknown or disabled")
	}
	return key, nil
}

// ServeChatCompletions implements POST /v1/chat/completions for
// OpenAI-dialect clients (spec §4.2.1/§4.2.2/§4.2.3).
func (p *Pipeline) ServeChatCompletions(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, translator.DialectOpenAI)
}

// ServeMessages implements POST /v1/messages for Anthropic-dialect
// clients. The body is decoded into translator.AnthropicRequest, given the
// cloak/cache-anchor rewriting, and re-encoded, so request fields that type
// does not model (tool_choice, top_k, ...) are not forwarded upstream.
func (p *Pipeline) ServeMessages(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, translator.DialectAnthropic)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, dialect translator.Dialect) {
	ctx := r.Context()
	correlationID := uuid.New().String()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	key, err := p.authenticate(ctx, r)
	if err != nil {
		writeError(w, dialect, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.BadRequest, "reading request body", err))
		return
	}

	anthReq, err := normalizeRequest(dialect, body)
	if err != nil {
		writeError(w, dialect, err)
		return
	}
	if len(anthReq.Messages) == 0 {
		writeError(w, dialect, proxyerr.New(proxyerr.BadRequest, "messages cannot be empty"))
		return
	}

	if _, err := p.quota.Permit(ctx, key.ID, anthReq.Model); err != nil {
		if pe, ok := proxyerr.As(err); ok && pe.Kind == proxyerr.QuotaExceeded {
			_ = p.analytics.TrackQuotaDenied(ctx, key.ID, anthReq.Model, pe.Window)
		}
		writeError(w, dialect, err)
		return
	}

	cloak.Apply(config.Get().CloakMode, r, anthReq)
	cache.InjectAnchors(anthReq)

	accessToken, err := p.oauth.AccessToken(ctx)
	if err != nil {
		writeError(w, dialect, err)
		return
	}

	upstreamBody, err := json.Marshal(anthReq)
	if err != nil {
		writeError(w, dialect, fmt.Errorf("marshaling upstream request: %w", err))
		return
	}

	if anthReq.Stream {
		p.forwardStream(ctx, w, r, dialect, key, anthReq.Model, accessToken, upstreamBody)
		return
	}
	p.forwardUnary(ctx, w, r, dialect, key, anthReq.Model, accessToken, upstreamBody)
}

// normalizeRequest parses the inbound body into the canonical Anthropic
// request shape the rest of the pipeline operates on.
func normalizeRequest(dialect translator.Dialect, body []byte) (*translator.AnthropicRequest, error) {
	if dialect == translator.DialectOpenAI {
		return translator.RequestToAnthropic(body)
	}
	var req translator.AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerr.Wrap(proxyerr.BadRequest, "parsing messages request", err)
	}
	return &req, nil
}

// newUpstreamRequest builds the POST to api.anthropic.com/v1/messages
// carrying the subscription OAuth credentials and Claude-Code client
// identity (spec §4.5).
func (p *Pipeline) newUpstreamRequest(ctx context.Context, accessToken, modelID string, clientBeta string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIBase+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	setUpstreamHeaders(req.Header, accessToken, modelID, clientBeta)
	return req, nil
}

// forwardUnary performs a non-streaming round trip: send, translate the
// response if needed, account for usage, and reply.
func (p *Pipeline) forwardUnary(ctx context.Context, w http.ResponseWriter, r *http.Request, dialect translator.Dialect, key store.Key, modelID, accessToken string, body []byte) {
	resp, err := p.doWithRetry(ctx, r, accessToken, modelID, body)
	if err != nil {
		writeError(w, dialect, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.UpstreamTransport, "reading upstream response", err))
		return
	}

	if resp.StatusCode >= 400 {
		writeError(w, dialect, proxyerr.Upstream(resp.StatusCode, string(respBody)))
		return
	}

	var anthResp translator.AnthropicResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.UpstreamTransport, "parsing upstream response", err))
		return
	}

	p.record(ctx, key.ID, modelID, anthResp.Usage, dialect, false)

	w.Header().Set("Content-Type", "application/json")
	if dialect == translator.DialectOpenAI {
		json.NewEncoder(w).Encode(translator.ResponseToOpenAI(&anthResp))
		return
	}
	w.Write(respBody)
}

// forwardStream performs a streaming round trip, translating or
// passing through the SSE body while a heartbeat writer keeps the
// connection alive during gaps.
func (p *Pipeline) forwardStream(ctx context.Context, w http.ResponseWriter, r *http.Request, dialect translator.Dialect, key store.Key, modelID, accessToken string, body []byte) {
	resp, err := p.doWithRetry(ctx, r, accessToken, modelID, body)
	if err != nil {
		writeError(w, dialect, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		writeError(w, dialect, proxyerr.Upstream(resp.StatusCode, string(respBody)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hw := newHeartbeatWriter(w)
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hw.run(hbCtx)

	var result translator.StreamResult
	if dialect == translator.DialectOpenAI {
		result, err = translator.StreamToOpenAI(ctx, resp.Body, hw, "chatcmpl-"+uuid.New().String(), modelID)
	} else {
		result, err = translator.PassthroughStream(ctx, resp.Body, hw)
	}
	if err != nil && !result.Canceled {
		logging.ErrorCtx(ctx, "stream translation failed", "error", err)
	}

	if result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0 {
		p.record(ctx, key.ID, modelID, result.Usage, dialect, true)
	}
}

// doWithRetry sends the upstream request, retrying exactly once after a
// forced token refresh on a 401 (spec §4.5's OAuth-retry rule).
func (p *Pipeline) doWithRetry(ctx context.Context, r *http.Request, accessToken, modelID string, body []byte) (*http.Response, error) {
	clientBeta := r.Header.Get("anthropic-beta")

	upstreamReq, err := p.newUpstreamRequest(ctx, accessToken, modelID, clientBeta, body)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proxyerr.Wrap(proxyerr.Canceled, "request canceled", ctx.Err())
		}
		return nil, proxyerr.Wrap(proxyerr.UpstreamTransport, "calling upstream", err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	refreshed, err := p.oauth.ForceRefresh(ctx)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.OAuthRefreshFailed, "refreshing token after 401", err)
	}

	retryReq, err := p.newUpstreamRequest(ctx, refreshed, modelID, clientBeta, body)
	if err != nil {
		return nil, err
	}
	return p.client.Do(retryReq)
}

func (p *Pipeline) record(ctx context.Context, keyID, modelID string, usage translator.AnthropicUsage, dialect translator.Dialect, streamed bool) {
	u := model.Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
	}
	if err := p.quota.Record(ctx, keyID, modelID, u, time.Now()); err != nil {
		logging.ErrorCtx(ctx, "recording usage failed", "error", err)
		return
	}

	m, ok, err := p.models.Get(ctx, modelID)
	cost := int64(0)
	if err == nil && ok {
		cost = m.CostMicros(u)
	}
	_ = p.analytics.TrackRequestCompleted(ctx, keyID, modelID, dialect.String(), streamed, cost, u.InputTokens, u.OutputTokens)
}

// ServeCountTokens forwards /v1/messages/count_tokens to Anthropic's own
// counting endpoint without any quota accounting (spec §4.7): the caller
// pays no cost, only Anthropic's estimate is relayed.
func (p *Pipeline) ServeCountTokens(w http.ResponseWriter, r *http.Request) {
	dialect := translator.DialectAnthropic
	ctx := r.Context()

	key, err := p.authenticate(ctx, r)
	if err != nil {
		writeError(w, dialect, err)
		return
	}
	if !key.Enabled {
		writeError(w, dialect, proxyerr.New(proxyerr.Unauthorized, "api key disabled"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.BadRequest, "reading request body", err))
		return
	}

	anthReq, err := normalizeRequest(dialect, body)
	if err != nil {
		writeError(w, dialect, err)
		return
	}

	accessToken, err := p.oauth.AccessToken(ctx)
	if err != nil {
		writeError(w, dialect, err)
		return
	}

	upstreamBody, err := json.Marshal(anthReq)
	if err != nil {
		writeError(w, dialect, fmt.Errorf("marshaling count_tokens request: %w", err))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIBase+countTokensPath, bytes.NewReader(upstreamBody))
	if err != nil {
		writeError(w, dialect, fmt.Errorf("building count_tokens request: %w", err))
		return
	}
	setUpstreamHeaders(upstreamReq.Header, accessToken, anthReq.Model, r.Header.Get("anthropic-beta"))

	client := &http.Client{Timeout: countTokensTimeout}
	resp, err := client.Do(upstreamReq)
	if err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.UpstreamTransport, "calling count_tokens", err))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, dialect, proxyerr.Wrap(proxyerr.UpstreamTransport, "reading count_tokens response", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}
