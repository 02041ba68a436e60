// Package enrich derives the transaction columns the client does not send:
// device id, client IP, IP geolocation and local-time features.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

const geoCachePrefix = "geo:"

// Location is the result of an IP lookup. Empty fields mean unknown.
type Location struct {
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Locator resolves IP addresses with a MaxMind City database.
type Locator struct {
	reader *geoip2.Reader
	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// OpenLocator opens the City database at path. An empty path returns a
// locator that resolves nothing.
func OpenLocator(path string, c domain.Cache, ttl time.Duration, logger *slog.Logger) (*Locator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Locator{cache: c, ttl: ttl, logger: logger}
	if path == "" {
		return l, nil
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	l.reader = reader
	return l, nil
}

// Lookup returns the location of ip. Lookups never fail; unresolvable,
// private and loopback addresses return an empty Location.
func (l *Locator) Lookup(ctx context.Context, ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return Location{}
	}

	if l.cache != nil {
		cached, err := cache.GetJSON[Location](ctx, l.cache, geoCachePrefix+ip)
		if err == nil && cached != nil {
			return *cached
		}
	}

	if l.reader == nil {
		return Location{}
	}

	record, err := l.reader.City(parsed)
	if err != nil {
		l.logger.Debug("geoip lookup failed", "ip", ip, "error", err)
		return Location{}
	}

	loc := Location{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, lon := record.Location.Latitude, record.Location.Longitude
		loc.Latitude, loc.Longitude = &lat, &lon
	}

	if l.cache != nil && l.ttl > 0 {
		if err := cache.SetJSON(ctx, l.cache, geoCachePrefix+ip, &loc, l.ttl); err != nil {
			l.logger.Debug("geoip cache write failed", "ip", ip, "error", err)
		}
	}
	return loc
}

// Close releases the database.
func (l *Locator) Close() error {
	if l.reader == nil {
		return nil
	}
	return l.reader.Close()
}
