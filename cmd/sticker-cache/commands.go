package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/sticker-cache/manager"
	"github.com/wolfeidau/sticker-cache/server"
)

// SyncCmd runs one sync cycle.
type SyncCmd struct{}

type syncOutput struct {
	Outcome   string    `json:"outcome"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Groups    int       `json:"groups"`
	Assets    int       `json:"assets"`
}

func (c *SyncCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	res := m.Sync(rt.ctx)
	if res.Groups == nil {
		return rt.ctx.Err()
	}
	return rt.printJSON(syncOutput{
		Outcome:   res.Outcome,
		UpdatedAt: res.UpdatedAt,
		Groups:    len(res.Groups),
		Assets:    len(res.Assets()),
	})
}

// AssetsCmd lists the stickers of the catalog.
type AssetsCmd struct {
	Group string `help:"Only list stickers of this group."`
}

type assetOutput struct {
	ID          string `json:"id"`
	Group       string `json:"group"`
	URL         string `json:"url"`
	SortOrder   int    `json:"sort_order"`
	Description string `json:"description,omitempty"`
}

func (c *AssetsCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	out := []assetOutput{}
	for _, g := range m.Groups(rt.ctx) {
		if c.Group != "" && g.Name != c.Group {
			continue
		}
		for _, a := range g.Assets {
			out = append(out, assetOutput{
				ID:          a.ID,
				Group:       g.Name,
				URL:         a.SourceURL,
				SortOrder:   a.SortOrder,
				Description: a.DescriptionOrEmpty(),
			})
		}
	}
	return rt.printJSON(out)
}

// FetchCmd resolves one sticker to a local file.
type FetchCmd struct {
	ID   string `arg:"" help:"Sticker id."`
	Sync bool   `help:"Sync the catalog first instead of using the local snapshot." default:"false"`
	Sent bool   `help:"Also record the sticker as sent."`
}

func (c *FetchCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if c.Sync {
		m.Sync(rt.ctx)
	}
	a, ok := m.Lookup(rt.ctx, c.ID)
	if !ok && !c.Sync {
		// No snapshot yet, or the sticker is new.
		m.Sync(rt.ctx)
		a, ok = m.Lookup(rt.ctx, c.ID)
	}
	if !ok {
		return fmt.Errorf("sticker %q not in catalog", c.ID)
	}

	st, ok := m.Sticker(rt.ctx, a)
	if !ok {
		return fmt.Errorf("sticker %q could not be downloaded", c.ID)
	}
	if c.Sent {
		m.TrackSent(rt.ctx, a)
	}
	return rt.printJSON(st)
}

// PrefetchCmd downloads every sticker not cached yet.
type PrefetchCmd struct {
	Concurrency int `help:"Parallel downloads." default:"4"`
}

func (c *PrefetchCmd) Run(rt *runtime) error {
	m, err := rt.open(func(cfg *manager.Config) {
		cfg.PrefetchConcurrency = c.Concurrency
	})
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	res := m.Prefetch(rt.ctx, m.Assets(rt.ctx))
	if err := rt.printJSON(res); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d stickers failed to download", len(res.Failed))
	}
	return nil
}

// StatusCmd prints the local cache state without touching the network.
type StatusCmd struct{}

func (c *StatusCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	st, err := m.Status(rt.ctx)
	if err != nil {
		return err
	}
	return rt.printJSON(st)
}

// ServeCmd serves the mirror over HTTP and refreshes it periodically.
type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080" env:"STICKER_ADDRESS"`
	AuthToken       string        `name:"auth-token" help:"Bearer token required by clients." env:"STICKER_AUTH_TOKEN"`
	RefreshInterval time.Duration `name:"refresh-interval" help:"How often to sync the catalog (0 disables)." default:"15m"`
	Prefetch        bool          `help:"Download missing stickers after every sync."`
}

func (c *ServeCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	var refresher *manager.Refresher
	if c.RefreshInterval > 0 {
		refresher = m.NewRefresher(c.RefreshInterval, manager.WithPrefetch(c.Prefetch))
		if err := refresher.Start(rt.ctx); err != nil {
			return fmt.Errorf("starting refresher: %w", err)
		}
		defer refresher.Stop()
	}

	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    rt.logger.With("component", "server"),
	}, m)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	rt.logger.Info("server started",
		"address", srv.Address(),
		"project", m.ProjectID(),
		"root", m.Root(),
		"refresh_interval", c.RefreshInterval,
	)

	select {
	case <-rt.ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
