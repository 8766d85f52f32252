// Package analytics reports usage events to the sticker service. Delivery is
// fire-and-forget: failures are logged and counted, never returned.
package analytics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/telemetry"
)

// EventType names a tracked event.
type EventType string

const (
	EventOpenedApp   EventType = "Opened App"
	EventSentSticker EventType = "Sent Sticker"
)

// DefaultSendTimeout bounds a single event delivery.
const DefaultSendTimeout = 10 * time.Second

// Event is the JSON body posted for every tracked event.
type Event struct {
	UUID        string    `json:"UUID"`
	ProjectID   string    `json:"projectID"`
	CountryCode string    `json:"countryCode"`
	DeviceType  string    `json:"deviceType"`
	Type        EventType `json:"type"`
	StickerID   string    `json:"stickerID"`
}

// Poster delivers an encoded event for a project.
type Poster interface {
	PostEvent(ctx context.Context, projectID string, event any) error
}

// Identity supplies the persistent user id of this install.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Client builds and sends events. A nil *Client is a disabled client.
type Client struct {
	projectID   string
	poster      Poster
	identity    Identity
	logger      *slog.Logger
	countryCode string
	deviceType  string
	timeout     time.Duration
	enabled     bool

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEnabled turns event delivery on or off.
func WithEnabled(enabled bool) Option {
	return func(c *Client) {
		c.enabled = enabled
	}
}

// WithCountryCode overrides the country code read from the environment.
func WithCountryCode(code string) Option {
	return func(c *Client) {
		c.countryCode = code
	}
}

// WithDeviceType overrides the device type string.
func WithDeviceType(deviceType string) Option {
	return func(c *Client) {
		c.deviceType = deviceType
	}
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates an enabled client for projectID.
func New(projectID string, poster Poster, identity Identity, opts ...Option) *Client {
	c := &Client{
		projectID:   projectID,
		poster:      poster,
		identity:    identity,
		logger:      slog.Default(),
		countryCode: CountryCode(),
		deviceType:  DeviceType(),
		timeout:     DefaultSendTimeout,
		enabled:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether events are sent.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Event builds the event body for typ. stickerID is empty for events that
// are not about a sticker.
func (c *Client) Event(ctx context.Context, typ EventType, stickerID string) (Event, error) {
	id, err := c.identity.UserID(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{
		UUID:        id,
		ProjectID:   c.projectID,
		CountryCode: c.countryCode,
		DeviceType:  c.deviceType,
		Type:        typ,
		StickerID:   stickerID,
	}, nil
}

// Send builds and delivers one event, waiting for the result.
func (c *Client) Send(ctx context.Context, typ EventType, stickerID string) error {
	ev, err := c.Event(ctx, typ, stickerID)
	if err != nil {
		telemetry.RecordAnalyticsEvent(ctx, string(typ), "error")
		return err
	}
	if err := c.poster.PostEvent(ctx, c.projectID, ev); err != nil {
		telemetry.RecordAnalyticsEvent(ctx, string(typ), "error")
		return err
	}
	telemetry.RecordAnalyticsEvent(ctx, string(typ), "success")
	return nil
}

// Track sends an event in the background. It returns immediately and does
// nothing when the client is disabled or closed.
func (c *Client) Track(ctx context.Context, typ EventType, stickerID string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("analytics event dropped after close", "type", typ)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		if err := c.Send(sendCtx, typ, stickerID); err != nil {
			c.logger.Debug("analytics event dropped", "type", typ, "error", err)
		}
	}()
}

// TrackOpened records that the app was opened.
func (c *Client) TrackOpened(ctx context.Context) {
	c.Track(ctx, EventOpenedApp, "")
}

// TrackSent records that a sticker was sent.
func (c *Client) TrackSent(ctx context.Context, a stickercache.Asset) {
	c.Track(ctx, EventSentSticker, a.ID)
}

// Close stops accepting events and waits for background deliveries to
// finish or ctx to end.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountryCode returns the region of the current locale, e.g. "US" for
// LANG=en_US.UTF-8, or "" when none is set.
func CountryCode() string {
	for _, name := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(name); v != "" {
			return regionFromLocale(v)
		}
	}
	return ""
}

func regionFromLocale(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	_, region, ok := strings.Cut(strings.ReplaceAll(locale, "-", "_"), "_")
	if !ok || len(region) != 2 {
		return ""
	}
	return strings.ToUpper(region)
}

// DeviceType describes the host platform, e.g. "linux/amd64".
func DeviceType() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
