// Package analytics provides optional, opt-in telemetry for proxy activity.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maxrelay/internal/logging"

	"github.com/posthog/posthog-go"
)

const (
	EventRequestCompleted = "request_completed"
	EventQuotaDenied      = "quota_denied"
	EventOAuthRefreshed   = "oauth_refreshed"

	PropKeyID        = "key_id"
	PropModel        = "model"
	PropDialect      = "dialect"
	PropStreamed     = "streamed"
	PropCostMicros   = "cost_microdollars"
	PropInputTokens  = "input_tokens"
	PropOutputTokens = "output_tokens"
	PropWindow       = "window"
	PropError        = "error"
)

// Service defines the analytics tracking interface consulted by the proxy
// pipeline. A no-op implementation is used whenever no
// PostHog API key is configured.
type Service interface {
	TrackRequestCompleted(ctx context.Context, keyID, model, dialect string, streamed bool, costMicros, inputTokens, outputTokens int64) error
	TrackQuotaDenied(ctx context.Context, keyID, model, window string) error
	TrackOAuthRefreshed(ctx context.Context, errMsg string) error
	Close() error
}

type analyticsService struct {
	client   posthog.Client
	enabled  bool
	distinct string
	mu       sync.Mutex
}

// NewAnalyticsService creates an analytics service. An empty apiKey disables
// tracking entirely; every Track* call then becomes a no-op.
func NewAnalyticsService(apiKey string) Service {
	enabled := apiKey != ""
	var client posthog.Client
	var err error

	if enabled {
		client, err = posthog.NewWithConfig(apiKey, posthog.Config{
			Endpoint: "https://eu.posthog.com",
		})
		if err != nil {
			logging.Error("failed to create posthog client", "error", err)
			enabled = false
		}
	}

	return &analyticsService{
		client:   client,
		enabled:  enabled,
		distinct: "maxrelay-instance",
	}
}

func (s *analyticsService) TrackRequestCompleted(ctx context.Context, keyID, model, dialect string, streamed bool, costMicros, inputTokens, outputTokens int64) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinct,
		Event:      EventRequestCompleted,
		Properties: posthog.NewProperties().
			Set(PropKeyID, keyID).
			Set(PropModel, model).
			Set(PropDialect, dialect).
			Set(PropStreamed, streamed).
			Set(PropCostMicros, costMicros).
			Set(PropInputTokens, inputTokens).
			Set(PropOutputTokens, outputTokens),
	})
	if err != nil {
		return fmt.Errorf("failed to track request completed: %w", err)
	}
	return nil
}

func (s *analyticsService) TrackQuotaDenied(ctx context.Context, keyID, model, window string) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinct,
		Event:      EventQuotaDenied,
		Properties: posthog.NewProperties().
			Set(PropKeyID, keyID).
			Set(PropModel, model).
			Set(PropWindow, window),
	})
	if err != nil {
		return fmt.Errorf("failed to track quota denied: %w", err)
	}
	return nil
}

func (s *analyticsService) TrackOAuthRefreshed(ctx context.Context, errMsg string) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	props := posthog.NewProperties()
	if errMsg != "" {
		props = props.Set(PropError, errMsg)
	}

	err := s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinct,
		Event:      EventOAuthRefreshed,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("failed to track oauth refresh: %w", err)
	}
	return nil
}

func (s *analyticsService) Close() error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return errors.New("analytics client not initialized")
	}
	return s.client.Close()
}
