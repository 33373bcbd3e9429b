// Package feed implements the position feed over the liquidation backend's
// HTTP endpoint.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/httpclient"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that HTTPFeed implements outbound.PositionFeed.
var _ outbound.PositionFeed = (*HTTPFeed)(nil)

// Config holds configuration for the HTTP feed.
type Config struct {
	// URL is the full endpoint returning positions and markets.
	URL string

	// Headers are sent with every request, e.g. an API key.
	Headers map[string]string

	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RateLimit is requests per second. Default 2.
	RateLimit rate.Limit

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	d := httpclient.DefaultConfig()
	return Config{
		Timeout:        d.Timeout,
		MaxRetries:     d.MaxRetries,
		InitialBackoff: d.InitialBackoff,
		MaxBackoff:     d.MaxBackoff,
		RateLimit:      d.RateLimit,
		Logger:         slog.Default(),
	}
}

// HTTPFeed fetches the candidate list from the liquidation backend.
type HTTPFeed struct {
	url     string
	headers map[string]string
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewHTTPFeed creates a feed client. Zero-valued fields fall back to ConfigDefaults.
func NewHTTPFeed(config Config) (*HTTPFeed, error) {
	if config.URL == "" {
		return nil, errors.New("feed URL is required")
	}

	defaults := ConfigDefaults()
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger.With("component", "position-feed")
	client := httpclient.NewClient(httpclient.Config{
		Timeout:        config.Timeout,
		MaxRetries:     config.MaxRetries,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		RateLimit:      config.RateLimit,
	}, config.Logger)

	return &HTTPFeed{
		url:     config.URL,
		headers: config.Headers,
		client:  client,
		logger:  logger,
	}, nil
}

// Fetch returns the current snapshot. Entries with malformed ids or addresses
// are dropped with a warning; a dropped position is simply not scanned. A
// market whose lltv is missing or unparsable is kept with a nil Lltv.
func (f *HTTPFeed) Fetch(ctx context.Context) (*entity.Feed, error) {
	var resp response
	if err := f.client.GetJSON(ctx, f.url, f.headers, &resp); err != nil {
		return nil, fmt.Errorf("fetching position feed: %w", err)
	}

	out := &entity.Feed{
		Positions: make([]entity.FeedPosition, 0, len(resp.Positions)),
		Markets:   make([]entity.FeedMarket, 0, len(resp.Markets)),
	}

	for _, p := range resp.Positions {
		marketID, ok := parseHash(p.MarketID)
		if !ok || !common.IsHexAddress(p.UserAddress) {
			f.logger.Warn("dropping malformed feed position",
				"marketId", p.MarketID,
				"borrower", p.UserAddress)
			continue
		}
		out.Positions = append(out.Positions, entity.FeedPosition{
			MarketID: marketID,
			Borrower: common.HexToAddress(p.UserAddress),
		})
	}

	for _, m := range resp.Markets {
		marketID, ok := parseHash(m.MarketID)
		if !ok || !common.IsHexAddress(m.MarketOracle) {
			f.logger.Warn("dropping malformed feed market",
				"marketId", m.MarketID,
				"oracle", m.MarketOracle)
			continue
		}
		// lltv is advisory; the on-chain value is used either way
		if m.Lltv.invalid != "" {
			f.logger.Warn("ignoring unparsable feed lltv",
				"marketId", m.MarketID,
				"lltv", m.Lltv.invalid)
		}
		out.Markets = append(out.Markets, entity.FeedMarket{
			MarketID: marketID,
			Lltv:     m.Lltv.v,
			Oracle:   common.HexToAddress(m.MarketOracle),
		})
	}

	f.logger.Debug("fetched position feed",
		"positions", len(out.Positions),
		"markets", len(out.Markets))
	return out, nil
}

// parseHash accepts a 0x-prefixed 32-byte hex id.
func parseHash(s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}
