package sentinel

import (
	"time"

	"github.com/robfig/cron/v3"
)

// WatchdogInterval is the wall-time watchdog's poll period, at most one
// second so a wall-clock budget overrun is caught promptly.
const WatchdogInterval = 1 * time.Second

// Watchdog runs the sentinel's wall-time watchdog as an independent
// periodic task: on each tick it scans every agent the
// runtime reports as "running" and forces an abort for any whose elapsed
// wall-clock time since spawn exceeds its configured limit — independent
// of whether that agent ever calls Track.
type Watchdog struct {
	sentinel *Sentinel
	cron     *cron.Cron
}

// NewWatchdog builds a Watchdog for s. It uses cron.WithSeconds so a
// sub-minute interval is expressible.
func NewWatchdog(s *Sentinel) *Watchdog {
	return &Watchdog{
		sentinel: s,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start schedules the watchdog tick and begins running it in the
// background.
func (w *Watchdog) Start() error {
	_, err := w.cron.AddFunc("@every 1s", w.tick)
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the watchdog, waiting for any in-flight tick to finish.
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *Watchdog) tick() {
	s := w.sentinel
	s.mu.Lock()
	provider := s.provider
	if provider == nil {
		s.mu.Unlock()
		return
	}
	running := provider.RunningAgents()

	type expired struct {
		agent string
		rec   CreditRecord
	}
	var victims []expired
	now := time.Now()
	for _, agent := range running {
		rec, ok := s.agents[agent]
		if !ok || rec.WallTimeLimitMS <= 0 {
			continue
		}
		if now.Sub(rec.SpawnedAt) > time.Duration(rec.WallTimeLimitMS)*time.Millisecond {
			victims = append(victims, expired{agent: agent, rec: *rec})
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.writeAudit(v.agent, "watchdog", VerdictAbort, &v.rec, 0, 0)
		s.metrics.VerdictsTotal.WithLabelValues(v.agent, string(VerdictAbort)).Inc()
		if s.aborter != nil {
			_ = s.aborter.Abort(v.agent, "wall-time watchdog: limit exceeded")
		}
	}
}
