package sensor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/parklink-core/internal/catalog"
)

// sweepConcurrency bounds parallel dials within one sweep.
const sweepConcurrency = 8

// Start runs the poll sweep every PollInterval until Stop or ctx ends.
// It requires Options.Catalog.
func (b *Bridge) Start(ctx context.Context) error {
	if b.catalog == nil {
		return ErrMissingDependency
	}
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.sweepLoop(ctx)
		b.logger.Info("sensor poll sweep started", "interval", b.cfg.PollInterval)
	})
	return nil
}

// Stop ends the sweep, closes every sensor connection and waits for
// in-flight work.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.registry.CloseAll()
		b.wg.Wait()
		b.logger.Info("sensor bridge stopped")
	})
}

func (b *Bridge) sweepLoop(ctx context.Context) {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	b.SweepOnce(ctx)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepOnce(ctx)
		}
	}
}

// SweepOnce visits every sensor endpoint that is not operationally closed:
// without a connection it subscribes; with a connection silent for longer
// than the stale threshold it tears down; otherwise it sends hello.
func (b *Bridge) SweepOnce(ctx context.Context) {
	endpoints, err := b.catalog.ListEndpoints(ctx)
	if err != nil {
		b.logger.Error("sensor sweep: listing endpoints failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, endpoint := range endpoints {
		if endpoint.Kind != catalog.KindSensor || endpoint.Closed() {
			continue
		}
		g.Go(func() error {
			b.pollOne(gctx, endpoint)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // pollOne logs its own failures
}

func (b *Bridge) pollOne(ctx context.Context, endpoint catalog.DeviceEndpoint) {
	key := endpoint.IdentityKey()
	c := b.registry.Get(key)

	switch {
	case c == nil:
		if _, err := b.Subscribe(ctx, endpoint); err != nil {
			b.logger.Warn("sensor sweep: subscribe failed", "endpoint_id", endpoint.ID, "error", err)
		}
	case !c.IsOpen():
		// Dial in flight; the sweep never interferes with it.
	case b.now().Sub(c.LastSeen()) > b.cfg.StaleThreshold:
		b.logger.Warn("sensor silent past stale threshold", "endpoint_id", endpoint.ID, "last_seen", c.LastSeen())
		b.markStale(key, endpoint.ID)
	default:
		if _, err := b.Hello(ctx, endpoint); err != nil {
			b.logger.Warn("sensor sweep: hello failed", "endpoint_id", endpoint.ID, "error", err)
		}
	}
}
