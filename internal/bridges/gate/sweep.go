package gate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/parklink-core/internal/catalog"
)

// sweepConcurrency bounds parallel dials within one sweep.
const sweepConcurrency = 8

// Start runs the reconnection sweep every SweepInterval until Stop or ctx
// ends. It requires Options.Catalog.
func (b *Bridge) Start(ctx context.Context) error {
	if b.catalog == nil {
		return ErrMissingDependency
	}
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.sweepLoop(ctx)
		b.logger.Info("gate reconnection sweep started", "interval", b.cfg.SweepInterval)
	})
	return nil
}

// Stop ends the sweep and closes every controller connection.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.registry.CloseAll()
		b.wg.Wait()
		b.logger.Info("gate bridge stopped")
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

	ticker := time.NewTicker(b.cfg.SweepInterval)
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

// SweepOnce reconnects every gate controller that is not operationally
// closed and either has no live connection or was last recorded as not
// linked. An establishment already in flight is left alone.
func (b *Bridge) SweepOnce(ctx context.Context) {
	endpoints, err := b.catalog.ListEndpoints(ctx)
	if err != nil {
		b.logger.Error("gate sweep: listing endpoints failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, endpoint := range b.due(endpoints) {
		g.Go(func() error {
			if err := b.ConnectTCP(gctx, endpoint); err != nil {
				b.logger.Warn("gate sweep: reconnect failed", "endpoint_id", endpoint.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // ConnectTCP failures are logged
}

// due selects the endpoints the sweep must (re)connect.
func (b *Bridge) due(endpoints []catalog.DeviceEndpoint) []catalog.DeviceEndpoint {
	var out []catalog.DeviceEndpoint
	for _, endpoint := range endpoints {
		if endpoint.Kind != catalog.KindGate || endpoint.Closed() {
			continue
		}
		c := b.registry.Get(endpoint.IdentityKey())
		if c != nil && !c.IsOpen() {
			continue
		}
		if c == nil || !b.status.Linked(endpoint.ID) {
			out = append(out, endpoint)
		}
	}
	return out
}
