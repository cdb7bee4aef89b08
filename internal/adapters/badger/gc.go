package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// GCService periodically reclaims value log space. It is a suture.Service.
type GCService struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	log      zerolog.Logger
}

func NewGCService(s *Store, interval time.Duration, log zerolog.Logger) *GCService {
	return &GCService{db: s.db, interval: interval, ratio: 0.5, log: log}
}

func (g *GCService) Serve(ctx context.Context) error {
	if g.db.Opts().InMemory {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			g.run()
		}
	}
}

func (g *GCService) run() {
	n := 0
	for {
		err := g.db.RunValueLogGC(g.ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			g.log.Warn().Err(err).Msg("value log gc failed")
			break
		}
		n++
	}
	if n > 0 {
		g.log.Debug().Int("rewrites", n).Msg("value log gc finished")
	}
}

func (g *GCService) String() string { return "badger-gc" }
