// Package maintenance runs periodic housekeeping around the store: pruning
// old delivery-log rows, compacting the WAL and logging pool statistics.
// Nothing here touches the delivery path.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

type Config struct {
	Enabled    bool
	PruneAfter time.Duration // delivery-log retention; default 30 days
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store *storage.Store
	log   logx.Logger
	c     *cron.Cron
}

func New(cfg Config, store *storage.Store, log logx.Logger) *Service {
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 720 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	s.c = cron.New()
	// 04:30 local: well away from any plausible delivery window edge.
	_, _ = s.c.AddFunc("30 4 * * *", s.runOnce)
	s.c.Start()
	s.log.Info("maintenance started", logx.Duration("prune_after", s.cfg.PruneAfter))
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		s.log.Info("maintenance stopped")
	}
}

func (s *Service) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s.mu.Lock()
	keep := s.cfg.PruneAfter
	s.mu.Unlock()

	n, err := s.store.PruneDeliveries(ctx, time.Now().Add(-keep))
	if err != nil {
		s.log.Warn("delivery log prune failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("delivery log pruned", logx.Int64("rows", n))
	}

	if err := s.store.Checkpoint(ctx); err != nil {
		s.log.Warn("wal checkpoint failed", logx.Err(err))
	}

	if st, err := s.store.Stats(ctx); err == nil {
		s.log.Info("pool stats",
			logx.Int("total", st.Total), logx.Int("active", st.Active), logx.Int("unsent", st.Unsent))
	}
}
