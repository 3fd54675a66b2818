// Package scheduler reconciles local keys against the panels on a fixed
// interval and sends expiry notices.
package scheduler

import (
	"context"
	"time"

	"vpnshop/models"
	"vpnshop/modules"

	"go.uber.org/zap"
)

type Store interface {
	AllHosts(ctx context.Context) ([]models.Host, error)
	KeysForHost(ctx context.Context, hostName string) ([]models.Key, error)
	AllKeys(ctx context.Context) ([]models.Key, error)
	UpdateKeyByEmail(ctx context.Context, email, clientUUID string, expiry time.Time) error
	DeleteKeyByEmail(ctx context.Context, email string) error
}

type Panel interface {
	Login(ctx context.Context, host models.Host) (*modules.Session, error)
	ListClients(ctx context.Context, s *modules.Session) (map[string]modules.RemoteClient, error)
	DeleteClient(ctx context.Context, s *modules.Session, email string) error
}

// Notifier delivers expiry notices through the messaging front-end.
type Notifier interface {
	Active() bool
	SendExpiryNotice(ctx context.Context, userID int64, keyID uint, hours int, expiry time.Time) error
}

type Config struct {
	Interval   time.Duration
	StartDelay time.Duration
	Grace      time.Duration
	Tolerance  time.Duration
	// Thresholds are whole hours before expiry, in descending order.
	Thresholds []int
}

var DefaultThresholds = []int{72, 48, 24, 1}

func DefaultConfig() Config {
	return Config{
		Interval:   300 * time.Second,
		StartDelay: 10 * time.Second,
		Grace:      DefaultGrace,
		Tolerance:  DefaultTolerance,
		Thresholds: DefaultThresholds,
	}
}

// Report counts what one drift sweep did.
type Report struct {
	Updated       int
	Unchanged     int
	DeletedLocal  int
	Reclaimed     int
	RemoteOrphans int
	HostsSkipped  int
}

type Scheduler struct {
	store    Store
	panel    Panel
	notifier Notifier
	cache    *NotificationCache
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(st Store, panel Panel, notifier Notifier, cache *NotificationCache, cfg Config, logger *zap.Logger) *Scheduler {
	if cache == nil {
		cache = NewNotificationCache()
	}
	return &Scheduler{
		store:    st,
		panel:    panel,
		notifier: notifier,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run blocks until ctx is cancelled, running one cycle after the start delay
// and then one per interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("start_delay", s.cfg.StartDelay))

	delay := time.NewTimer(s.cfg.StartDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle runs the drift sweep and then, if the front-end is up, the
// notification sweep.
func (s *Scheduler) RunCycle(ctx context.Context) {
	started := s.now()
	report := s.SyncKeys(ctx)
	s.logger.Info("sync finished",
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("deleted_local", report.DeletedLocal),
		zap.Int("reclaimed", report.Reclaimed),
		zap.Int("remote_orphans", report.RemoteOrphans),
		zap.Int("hosts_skipped", report.HostsSkipped),
		zap.Duration("took", s.now().Sub(started)))

	if ctx.Err() != nil {
		return
	}
	if sent := s.CheckExpiring(ctx); sent > 0 {
		s.logger.Info("expiry notices sent", zap.Int("count", sent))
	}
}

// SyncKeys walks every host in turn. Cancellation is checked between hosts;
// a host already in progress is finished.
func (s *Scheduler) SyncKeys(ctx context.Context) Report {
	var report Report
	hosts, err := s.store.AllHosts(ctx)
	if err != nil {
		s.logger.Error("list hosts", zap.Error(err))
		return report
	}
	for _, host := range hosts {
		if ctx.Err() != nil {
			s.logger.Info("sync interrupted", zap.String("next_host", host.Name))
			break
		}
		s.syncHost(context.WithoutCancel(ctx), host, &report)
	}
	return report
}

func (s *Scheduler) syncHost(ctx context.Context, host models.Host, report *Report) {
	log := s.logger.With(zap.String("host", host.Name))

	// Keys are loaded before the remote listing: a key saved after this point
	// is left for the next cycle instead of being judged against a list that
	// predates its client.
	keys, err := s.store.KeysForHost(ctx, host.Name)
	if err != nil {
		log.Error("skipping host, cannot load keys", zap.Error(err))
		report.HostsSkipped++
		return
	}
	sess, err := s.panel.Login(ctx, host)
	if err != nil {
		log.Warn("skipping host, login failed", zap.Error(err))
		report.HostsSkipped++
		return
	}
	remote, err := s.panel.ListClients(ctx, sess)
	if err != nil {
		log.Warn("skipping host, cannot list clients", zap.Error(err))
		report.HostsSkipped++
		return
	}

	now := s.now()
	for _, key := range keys {
		var match *modules.RemoteClient
		if rc, ok := remote[key.Email]; ok {
			match = &rc
			delete(remote, key.Email)
		}

		switch Resolve(now, key, match, s.cfg.Grace, s.cfg.Tolerance) {
		case DeleteBoth:
			if err := s.panel.DeleteClient(ctx, sess, key.Email); err != nil {
				log.Warn("remote delete failed, dropping key anyway", zap.String("email", key.Email), zap.Error(err))
			}
			if err := s.store.DeleteKeyByEmail(ctx, key.Email); err != nil {
				log.Error("delete expired key", zap.String("email", key.Email), zap.Error(err))
				continue
			}
			log.Info("expired key reclaimed", zap.String("email", key.Email), zap.Time("expiry", key.ExpiryDate))
			report.Reclaimed++
		case DeleteLocal:
			if err := s.store.DeleteKeyByEmail(ctx, key.Email); err != nil {
				log.Error("delete orphaned key", zap.String("email", key.Email), zap.Error(err))
				continue
			}
			log.Info("key missing on panel, deleted locally", zap.String("email", key.Email))
			report.DeletedLocal++
		case Update:
			expiry := match.EffectiveExpiry()
			if err := s.store.UpdateKeyByEmail(ctx, key.Email, match.ID, expiry); err != nil {
				log.Error("update drifted key", zap.String("email", key.Email), zap.Error(err))
				continue
			}
			log.Info("key expiry synced from panel",
				zap.String("email", key.Email),
				zap.Time("local", key.ExpiryDate),
				zap.Time("remote", expiry))
			report.Updated++
		default:
			report.Unchanged++
		}
	}

	for email := range remote {
		log.Warn("panel client has no local key", zap.String("email", email))
		report.RemoteOrphans++
	}
}

// CheckExpiring sends at most one notice per threshold per key and returns
// how many were sent. Nothing happens while the notifier is inactive.
func (s *Scheduler) CheckExpiring(ctx context.Context) int {
	if s.notifier == nil || !s.notifier.Active() {
		return 0
	}

	keys, err := s.store.AllKeys(ctx)
	if err != nil {
		s.logger.Error("load keys for notifications", zap.Error(err))
		return 0
	}
	live := make(map[uint]struct{}, len(keys))
	for _, key := range keys {
		live[key.ID] = struct{}{}
	}
	s.cache.Prune(live)

	now := s.now()
	sent := 0
	for _, key := range keys {
		left := key.ExpiryDate.Sub(now).Hours()
		if left <= 0 {
			continue
		}
		for _, hours := range s.cfg.Thresholds {
			if left <= float64(hours-1) || left > float64(hours) {
				continue
			}
			if s.cache.Fired(key.UserID, key.ID, hours) {
				break
			}
			if err := s.notifier.SendExpiryNotice(ctx, key.UserID, key.ID, hours, key.ExpiryDate); err != nil {
				s.logger.Warn("expiry notice failed",
					zap.Int64("user_id", key.UserID),
					zap.Uint("key_id", key.ID),
					zap.Error(err))
				break
			}
			s.cache.Mark(key.UserID, key.ID, hours)
			sent++
			break
		}
	}
	return sent
}
