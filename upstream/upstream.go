// Package upstream talks to the sticker service: the project catalog, the
// asset files it references and the analytics event endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	stickercache "github.com/wolfeidau/sticker-cache"
	"github.com/wolfeidau/sticker-cache/telemetry"
)

const (
	// DefaultCatalogURL is the base of the project catalog endpoint.
	DefaultCatalogURL = "https://app.stickerkit.io/api/v1/project"

	// DefaultEventsURL is the base of the analytics event endpoint.
	DefaultEventsURL = "https://app.stickerkit.io/userEvent/v1"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAssetSize caps a single asset download.
	DefaultMaxAssetSize = 32 << 20

	// DefaultMaxCatalogSize caps a catalog response.
	DefaultMaxCatalogSize = 8 << 20
)

// Fetch kinds used for metrics.
const (
	KindCatalog = "catalog"
	KindAsset   = "asset"
	KindEvent   = "event"
)

// ErrTooLarge is returned when a response exceeds its size cap.
var ErrTooLarge = errors.New("response too large")

// Upstream is an HTTP client for the sticker service.
type Upstream struct {
	catalogURL     string
	eventsURL      string
	userAgent      string
	maxAssetSize   int64
	maxCatalogSize int64
	client         *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithCatalogURL sets the catalog endpoint base. The project id is appended
// as the last path segment.
func WithCatalogURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.catalogURL = strings.TrimSuffix(u, "/")
	}
}

// WithEventsURL sets the analytics endpoint base.
func WithEventsURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.eventsURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(up *Upstream) {
		up.client = client
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) UpstreamOption {
	return func(up *Upstream) {
		up.userAgent = ua
	}
}

// WithMaxAssetSize caps asset downloads at n bytes.
func WithMaxAssetSize(n int64) UpstreamOption {
	return func(up *Upstream) {
		if n > 0 {
			up.maxAssetSize = n
		}
	}
}

// NewUpstream creates a client. The default HTTP client records upstream
// metrics through telemetry.InstrumentedTransport.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	up := &Upstream{
		catalogURL:     DefaultCatalogURL,
		eventsURL:      DefaultEventsURL,
		userAgent:      "sticker-cache",
		maxAssetSize:   DefaultMaxAssetSize,
		maxCatalogSize: DefaultMaxCatalogSize,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "upstream"),
		},
	}
	for _, opt := range opts {
		opt(up)
	}
	return up
}

// CatalogURL returns the catalog URL for projectID.
func (up *Upstream) CatalogURL(projectID string) string {
	return up.catalogURL + "/" + url.PathEscape(projectID)
}

// EventsURL returns the analytics URL for projectID.
func (up *Upstream) EventsURL(projectID string) string {
	return up.eventsURL + "/" + url.PathEscape(projectID)
}

// CatalogResponse is a fetched catalog with its raw payload.
type CatalogResponse struct {
	Raw     []byte
	Catalog *stickercache.Catalog
}

// FetchCatalog fetches the catalog of projectID. Transport failures and
// non-200 responses wrap stickercache.ErrNetwork; a body that is not a JSON
// object wraps stickercache.ErrDecode.
func (up *Upstream) FetchCatalog(ctx context.Context, projectID string) (*CatalogResponse, error) {
	ctx = telemetry.WithFetchKind(ctx, KindCatalog)

	raw, err := up.get(ctx, up.CatalogURL(projectID), "application/json", up.maxCatalogSize)
	if err != nil {
		return nil, err
	}

	c, err := stickercache.ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return &CatalogResponse{Raw: raw, Catalog: c}, nil
}

// FetchAsset downloads the bytes of a. Failures wrap stickercache.ErrNetwork.
func (up *Upstream) FetchAsset(ctx context.Context, a stickercache.Asset) ([]byte, error) {
	ctx = telemetry.WithFetchKind(ctx, KindAsset)
	return up.get(ctx, a.SourceURL, "", up.maxAssetSize)
}

// PostEvent sends one analytics event for projectID as JSON.
func (up *Upstream) PostEvent(ctx context.Context, projectID string, event any) error {
	ctx = telemetry.WithFetchKind(ctx, KindEvent)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, up.EventsURL(projectID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", up.userAgent)

	resp, err := up.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: performing request: %w", stickercache.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: upstream returned %d", stickercache.ErrNetwork, resp.StatusCode)
	}
	return nil
}

func (up *Upstream) get(ctx context.Context, target, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", stickercache.ErrNetwork, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("User-Agent", up.userAgent)

	resp, err := up.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request: %w", stickercache.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: upstream returned %d: %s", stickercache.ErrNetwork, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", stickercache.ErrNetwork, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %w: more than %d bytes", stickercache.ErrNetwork, ErrTooLarge, limit)
	}
	return body, nil
}
