package http

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shadesnap/internal/arbitrator"
	"shadesnap/internal/coordinate"
)

// Warmup renders each location through the gate so it is cached before
// traffic asks for it. Locations already cached are skipped.
func (h *Handlers) Warmup(ctx context.Context, locations []string, retryDelay time.Duration) {
	if len(locations) == 0 {
		return
	}
	h.logger.Info("Starting snapshot warmup", zap.Int("locations", len(locations)))

	rendered := 0
	for _, location := range locations {
		key, err := coordinate.Parse(h.config.Delimiter+location, h.config.Delimiter)
		if err != nil {
			h.logger.Warn("Skipping invalid warmup location", zap.String("location", location), zap.Error(err))
			continue
		}
		if _, ok := h.lookup(key.Filename()); ok {
			continue
		}

		for {
			data, cached, err := h.renderer.Snapshot(ctx, key, func() ([]byte, bool) {
				return h.lookup(key.Filename())
			})
			if errors.Is(err, arbitrator.ErrBusy) || errors.Is(err, arbitrator.ErrNotReady) {
				select {
				case <-ctx.Done():
					h.logger.Info("Snapshot warmup cancelled", zap.Int("rendered", rendered))
					return
				case <-time.After(retryDelay):
					continue
				}
			}
			if err != nil {
				h.logger.Warn("Warmup snapshot failed", zap.String("location", location), zap.Error(err))
			} else if !cached {
				h.persist(key.Filename(), data)
				rendered++
			}
			break
		}
	}

	h.logger.Info("Snapshot warmup completed", zap.Int("rendered", rendered))
}
