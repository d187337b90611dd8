package issuer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/store"
)

// Sweeper periodically marks machines whose certificate is past its grace
// window as expired. Expiry enforcement does not depend on it, verdicts
// come from the certificate's validity window, but the status flip keeps
// quota counts and admin listings honest.
type Sweeper struct {
	store    store.Store
	logger   *slog.Logger
	schedule string
	cron     *cron.Cron

	now func() time.Time
}

// NewSweeper builds a sweeper on the given schedule; empty means hourly.
func NewSweeper(st store.Store, logger *slog.Logger, schedule string) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Sweeper{
		store:    st,
		logger:   logger,
		schedule: schedule,
		now:      time.Now,
	}
}

// Start schedules the sweep. The first run happens on schedule, not
// immediately.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	}); err != nil {
		return err //nolint:wrapcheck // cron reports the bad schedule string
	}
	c.Start()
	s.cron = c
	s.logger.Info("expiry sweeper started", "schedule", s.schedule)
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep scans active machines once and flips those past valid_until plus
// grace to expired. It returns how many machines were flipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	machines, err := s.store.ListMachinesByStatus(ctx, store.StatusActive)
	if err != nil {
		return 0, err //nolint:wrapcheck // store errors carry context
	}

	now := s.now().UTC()
	expired := 0
	for _, m := range machines {
		cert, err := license.Parse([]byte(m.Certificate))
		if err != nil {
			s.logger.Warn("sweep: unreadable certificate", "machine_id", m.ID, "error", err)
			continue
		}
		reason, _ := cert.ExpiryStatus(now)
		if reason != license.ReasonExpired {
			continue
		}
		if err := s.store.SetMachineStatus(ctx, m.ID, store.StatusExpired); err != nil {
			s.logger.Error("sweep: mark expired", "machine_id", m.ID, "error", err)
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("expiry sweep", "scanned", len(machines), "expired", expired)
	}
	return expired, nil
}
