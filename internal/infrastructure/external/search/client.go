// Package search implements the client for the external ranked-retrieval
// provider. The provider returns candidates with a base score; ordering by
// user context happens in the ranking package.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alem-hub/progress-engine/internal/domain/criteria"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

var tracer = otel.Tracer("github.com/alem-hub/progress-engine/internal/infrastructure/external/search")

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the search client.
type ClientConfig struct {
	BaseURL string
	APIKey  string

	// Timeout bounds one HTTP request.
	Timeout time.Duration

	RateLimiterConfig RateLimiterConfig

	// Breaker and Retrier default to the search-provider presets.
	Breaker *circuitbreaker.CircuitBreaker
	Retrier *retry.Retrier

	HTTPClient *http.Client
	Logger     *logger.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRE TYPES
// ══════════════════════════════════════════════════════════════════════════════

type searchResponse struct {
	Hits  []hitDTO `json:"hits"`
	Total int      `json:"total"`
}

type hitDTO struct {
	ID      string         `json:"id"`
	TopicID string         `json:"topicId"`
	Title   string         `json:"title"`
	Depth   string         `json:"depth"`
	Phase   string         `json:"phase"`
	Tags    []string       `json:"tags"`
	Facets  map[string]any `json:"facets"`
	Score   float64        `json:"score"`
}

type errorDTO struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// toCandidate maps one hit. Unknown depth values are dropped rather than
// failing the whole result set.
func (h hitDTO) toCandidate() ranking.Candidate {
	depth := progress.DepthLevel(h.Depth)
	if !depth.IsValid() {
		depth = ""
	}
	return ranking.Candidate{
		Document: criteria.Document{
			ID:      h.ID,
			TopicID: h.TopicID,
			Title:   h.Title,
			Depth:   depth,
			Phase:   h.Phase,
			Tags:    h.Tags,
			Facets:  h.Facets,
		},
		Score: h.Score,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is a ranking.SearchProvider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	log        *logger.Logger
}

// NewClient creates a new search client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, shared.NewDomainError("search", "NewClient", shared.ErrConfig, "base URL is required")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, shared.WrapError("search", "NewClient", shared.ErrConfig, "invalid base URL", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig("").Timeout
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	log := config.Logger.With(logger.Component("search_client"))

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Breaker == nil {
		config.Breaker = circuitbreaker.SearchProviderBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
	}
	if config.Retrier == nil {
		config.Retrier = retry.SearchProviderRetrier()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: config.HTTPClient,
		limiter:    NewRateLimiter(config.RateLimiterConfig),
		breaker:    config.Breaker,
		retrier:    config.Retrier,
		log:        log,
	}, nil
}

var _ ranking.SearchProvider = (*Client)(nil)

// Search returns the provider's candidates for query in provider order.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]ranking.Candidate, error) {
	ctx, span := tracer.Start(ctx, "search.request")
	defer span.End()
	span.SetAttributes(attribute.Int("search.limit", limit))

	var out []ranking.Candidate
	attempts := 0
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		if err := c.limiter.Allow(ctx); err != nil {
			return retry.Permanent(shared.WrapError("search", "Request", shared.ErrServiceUnavailable, "rate limited", err))
		}

		// 4xx answers are the caller's fault and stay out of the breaker.
		var resp *searchResponse
		var clientErr error
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, clientErr, err = c.doSingleRequest(ctx, query, limit)
			return err
		})

		switch {
		case err == nil && clientErr != nil:
			return retry.Permanent(clientErr)
		case err == nil:
			out = make([]ranking.Candidate, 0, len(resp.Hits))
			for _, h := range resp.Hits {
				out = append(out, h.toCandidate())
			}
			return nil
		case circuitbreaker.IsRejected(err):
			return retry.Permanent(shared.WrapError("search", "Request", shared.ErrServiceUnavailable, "circuit open", err))
		case transient(err):
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	})
	span.SetAttributes(attribute.Int("search.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		c.log.Warn("search request failed", logger.Int("attempts", attempts), logger.Err(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("search.hits", len(out)))
	return out, nil
}

// transient reports provider-side failures worth another attempt.
func transient(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return false
	}
	return errors.Is(err, shared.ErrTimeout) || errors.Is(err, shared.ErrServiceUnavailable)
}

// doSingleRequest performs one HTTP round trip. The second return value
// carries a 4xx answer; the third everything the breaker should count.
func (c *Client) doSingleRequest(ctx context.Context, query string, limit int) (*searchResponse, error, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, nil, shared.WrapError("search", "Request", shared.ErrTimeout, "search provider request timeout", err)
		}
		return nil, nil, shared.WrapError("search", "Request", shared.ErrServiceUnavailable, "search provider is unavailable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, shared.WrapError("search", "Request", shared.ErrServiceUnavailable, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		c.limiter.RecordRateLimitHit(retryAfter)
		return nil, nil, shared.WrapError("search", "Request", shared.ErrServiceUnavailable, "provider rate limit",
			&RateLimitError{RetryAfter: retryAfter, Message: "search provider answered 429"})
	case resp.StatusCode >= 500:
		return nil, nil, shared.WrapError("search", "Request", shared.ErrServiceUnavailable,
			fmt.Sprintf("search provider answered %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		msg := fmt.Sprintf("search provider rejected the query with %d", resp.StatusCode)
		var apiErr errorDTO
		if json.Unmarshal(body, &apiErr) == nil && (apiErr.Message != "" || apiErr.Error != "") {
			msg += ": " + apiErr.Message + apiErr.Error
		}
		return nil, shared.NewDomainError("search", "Request", shared.ErrInvalidInput, msg), nil
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, shared.WrapError("search", "Parse", shared.ErrInvalidFormat, "invalid response from search provider", err)
	}
	return &out, nil, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Breaker exposes the breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}
