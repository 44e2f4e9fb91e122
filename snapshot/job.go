package snapshot

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"vela/service"
)

// StartJob snapshots the engine on a fixed interval until ctx is
// cancelled.
func StartJob(ctx context.Context, engine *service.Engine, w *Writer, interval time.Duration, log *logrus.Entry) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state, segs, err := engine.Export()
				if err != nil {
					log.WithError(err).Warn("snapshot export failed")
					continue
				}
				if err := w.Write(NewArchive(state, segs)); err != nil {
					log.WithError(err).Warn("snapshot write failed")
					continue
				}
				log.WithField("segments", len(segs)).Debug("snapshot written")
			}
		}
	}()
}
