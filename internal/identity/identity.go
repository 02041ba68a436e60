// Package identity verifies beneficiary identifiers against an external
// account-verification service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when the verification service cannot answer.
var ErrUnavailable = errors.New("identity: verification service unavailable")

const (
	cachePrefix    = "identity:"
	defaultTimeout = 3 * time.Second
	maxBodyBytes   = 1 << 16
)

// Client calls the verification endpoint. Safe for concurrent use.
type Client struct {
	endpoint      string
	secret        []byte
	partnerID     string
	authorisedKey string
	timeout       time.Duration

	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	cache    domain.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache caches results for ttl.
func WithCache(cache domain.Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a verification client from configuration.
func NewClient(cfg domain.IdentityConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		endpoint:      cfg.Endpoint,
		secret:        []byte(cfg.JWTSecret),
		partnerID:     cfg.PartnerID,
		authorisedKey: cfg.AuthorisedKey,
		timeout:       timeout,
		http:          &http.Client{Timeout: timeout},
		logger:        slog.Default(),
		now:           time.Now,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	if cfg.Breaker.Enabled {
		c.breaker = newBreaker("identity", cfg.Breaker, c.logger)
	}

	return c
}

func newBreaker(name string, cfg domain.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	failureRatio := cfg.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

type verifyRequest struct {
	RefID    string `json:"refid"`
	IDNumber string `json:"id_number"`
}

type verifyResponse struct {
	Data struct {
		AccountExists bool `json:"account_exists"`
	} `json:"data"`
}

// Exists reports whether identifier is a known account. Any failure to get
// an answer is returned as an error wrapping ErrUnavailable.
func (c *Client) Exists(ctx context.Context, identifier string) (bool, error) {
	if exists, ok := c.cached(ctx, identifier); ok {
		metrics.IdentityLookupsTotal.WithLabelValues("cache_hit").Inc()
		return exists, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.IdentityLookupsTotal.WithLabelValues("rate_limited").Inc()
			return false, fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
		}
	}

	call := func() (any, error) {
		return c.verify(ctx, identifier)
	}

	var (
		res any
		err error
	)
	if c.breaker != nil {
		res, err = c.breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.IdentityLookupsTotal.WithLabelValues(outcome).Inc()
		if errors.Is(err, ErrUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	exists := res.(bool)
	metrics.IdentityLookupsTotal.WithLabelValues(strconv.FormatBool(exists)).Inc()
	c.store(ctx, identifier, exists)
	return exists, nil
}

func (c *Client) verify(ctx context.Context, identifier string) (bool, error) {
	ts := c.now().Unix()

	token, err := c.token(ts)
	if err != nil {
		return false, fmt.Errorf("sign request: %w", err)
	}

	body, err := json.Marshal(verifyRequest{
		RefID:    "txn" + strconv.FormatInt(ts, 10),
		IDNumber: identifier,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", token)
	req.Header.Set("authorisedkey", c.authorisedKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return out.Data.AccountExists, nil
}

// token signs the per-request HS256 JWT.
func (c *Client) token(ts int64) (string, error) {
	claims := jwt.MapClaims{
		"timestamp": ts,
		"partnerId": c.partnerID,
		"reqid":     "req" + uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Client) cached(ctx context.Context, identifier string) (bool, bool) {
	if c.cache == nil {
		return false, false
	}
	data, err := c.cache.Get(ctx, cachePrefix+identifier)
	if err != nil || data == nil {
		return false, false
	}
	return string(data) == "1", true
}

func (c *Client) store(ctx context.Context, identifier string, exists bool) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	v := []byte("0")
	if exists {
		v = []byte("1")
	}
	if err := c.cache.Set(ctx, cachePrefix+identifier, v, c.cacheTTL); err != nil {
		c.logger.Debug("identity cache write failed", "error", err)
	}
}

// AllowAll treats every identifier as valid. Used when no verification
// endpoint is configured.
type AllowAll struct{}

// Exists always returns true.
func (AllowAll) Exists(context.Context, string) (bool, error) {
	return true, nil
}

// New returns a Client when an endpoint is configured and AllowAll otherwise.
func New(cfg domain.IdentityConfig, opts ...Option) domain.IdentityVerifier {
	if cfg.Endpoint == "" {
		return AllowAll{}
	}
	return NewClient(cfg, opts...)
}
