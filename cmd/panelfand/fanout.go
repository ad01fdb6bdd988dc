package main

import (
	"context"
	"log/slog"
)

// fanOut copies every broadcast from src to each destination without
// blocking. A full destination loses that message; the others still get it.
// Destinations are closed when src closes or ctx ends.
func fanOut(ctx context.Context, src <-chan StateBroadcast, logger *slog.Logger, dsts ...chan StateBroadcast) {
	defer func() {
		for _, d := range dsts {
			close(d)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-src:
			if !ok {
				return
			}
			for i, d := range dsts {
				select {
				case d <- b:
				default:
					logger.Warn("broadcast subscriber full, dropping", "subscriber", i, "type", typeName(b))
				}
			}
		}
	}
}
