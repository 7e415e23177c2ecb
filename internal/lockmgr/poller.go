package lockmgr

import "github.com/robfig/cron/v3"

// Poller drives Manager.PollDeadlocks on a periodic schedule
//.
type Poller struct {
	manager *Manager
	cron    *cron.Cron
}

// NewPoller builds a Poller for m using a seconds-precision cron schedule.
func NewPoller(m *Manager) *Poller {
	return &Poller{manager: m, cron: cron.New(cron.WithSeconds())}
}

// Start schedules the poll and begins running it in the background.
// cron.WithSeconds has no sub-second field; the per-enqueue check inside
// Manager.Acquire covers the gap between 1s ticks.
func (p *Poller) Start() error {
	_, err := p.cron.AddFunc("@every 1s", func() {
		p.manager.PollDeadlocks()
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the poller, waiting for any in-flight poll to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}
