package enrich

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Values written when a column cannot be derived.
const (
	UnknownDevice         = "unknown_device"
	DefaultInitiationMode = "Default"
	DefaultTimezone       = "Asia/Kolkata"
	DeviceHeader          = "X-Device-ID"
	DeviceCookie          = "device_id"
)

// Inputs are the request attributes derivation reads.
type Inputs struct {
	DeviceCookie string
	DeviceHeader string
	ForwardedFor string
	RealIP       string
	RemoteAddr   string
}

// FromRequest extracts Inputs from an HTTP request.
func FromRequest(r *http.Request) Inputs {
	in := Inputs{
		DeviceHeader: r.Header.Get(DeviceHeader),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
		RemoteAddr:   r.RemoteAddr,
	}
	if c, err := r.Cookie(DeviceCookie); err == nil {
		in.DeviceCookie = c.Value
	}
	return in
}

// DeviceID prefers the cookie, then the header.
func (in Inputs) DeviceID() string {
	if v := strings.TrimSpace(in.DeviceCookie); v != "" {
		return v
	}
	if v := strings.TrimSpace(in.DeviceHeader); v != "" {
		return v
	}
	return UnknownDevice
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address.
func (in Inputs) ClientIP() string {
	if in.ForwardedFor != "" {
		first, _, _ := strings.Cut(in.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(in.RealIP); net.ParseIP(ip) != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(in.RemoteAddr)
	if err != nil {
		return in.RemoteAddr
	}
	return host
}

// Deriver fills in derived transaction columns.
type Deriver struct {
	locator *Locator
	loc     *time.Location
}

// NewDeriver creates a deriver reporting local time in timezone.
// locator may be nil.
func NewDeriver(locator *Locator, timezone string) (*Deriver, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return &Deriver{locator: locator, loc: loc}, nil
}

// Apply fills every empty derived column of tx. Values already present on
// tx are kept.
func (d *Deriver) Apply(ctx context.Context, tx *domain.Transaction, in Inputs, now time.Time) {
	if strings.TrimSpace(tx.DeviceID) == "" {
		tx.DeviceID = in.DeviceID()
	}
	if strings.TrimSpace(tx.IPAddress) == "" {
		tx.IPAddress = in.ClientIP()
	}
	if strings.TrimSpace(tx.InitiationMode) == "" {
		tx.InitiationMode = DefaultInitiationMode
	}

	if d.locator != nil && (tx.Country == "" || tx.City == "" || !tx.HasLocation()) {
		l := d.locator.Lookup(ctx, tx.IPAddress)
		if tx.Country == "" {
			tx.Country = l.Country
		}
		if tx.City == "" {
			tx.City = l.City
		}
		if !tx.HasLocation() && l.Latitude != nil && l.Longitude != nil {
			tx.Latitude, tx.Longitude = l.Latitude, l.Longitude
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now.UTC()
	}
	d.ApplyTime(tx)
}

// ApplyTime sets the day, hour, minute and night flag from CreatedAt.
func (d *Deriver) ApplyTime(tx *domain.Transaction) {
	local := tx.CreatedAt.In(d.loc)
	tx.DayOfWeek = (int(local.Weekday()) + 6) % 7
	tx.Hour = local.Hour()
	tx.Minute = local.Minute()
	tx.IsNight = IsNight(tx.Hour)
}

// IsNight reports whether hour falls in the night window.
func IsNight(hour int) bool {
	return hour < 6 || hour > 22
}
