package failuredetector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/interfaces"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	logKeySuspect = "suspect"
	logKeyRelays  = "relays"
	logKeyError   = "error"
)

// Config wires a Detector.
type Config struct {
	Self     model.Address
	Prober   interfaces.Prober
	Notifier Notifier
	Logger   *slog.Logger
	// Relays is k, the number of indirect probes per suspect.
	Relays int
	// Seed makes suspect and relay choice reproducible when non-zero.
	Seed uint64
}

// Detector couples a Reporter with a Queue.
type Detector struct {
	Reporter *Reporter
	Queue    *Queue
}

func New(cfg Config) (*Detector, error) {
	switch {
	case cfg.Self == "":
		return nil, errors.New("failuredetector: self address is required")
	case cfg.Prober == nil:
		return nil, errors.New("failuredetector: prober is required")
	case cfg.Notifier == nil:
		return nil, errors.New("failuredetector: notifier is required")
	case cfg.Logger == nil:
		return nil, errors.New("failuredetector: logger is required")
	}
	var reporterRng, queueRng *rand.Rand
	if cfg.Seed != 0 {
		reporterRng = rand.New(rand.NewPCG(cfg.Seed, 1))
		queueRng = rand.New(rand.NewPCG(cfg.Seed, 2))
	}
	return &Detector{
		Reporter: NewReporter(cfg.Self, reporterRng),
		Queue:    NewQueue(cfg.Self, cfg.Prober, cfg.Notifier, cfg.Logger, cfg.Relays, queueRng),
	}, nil
}

// SetCluster updates both actors with the members of m.
func (d *Detector) SetCluster(m *clustermap.Map) {
	members := m.Members()
	d.Reporter.SetMembers(members)
	d.Queue.SetMembers(members)
}

// ReportOnce queues the next suspect, if any.
func (d *Detector) ReportOnce() {
	if s, ok := d.Reporter.Next(); ok {
		d.Queue.QueueSuspect(s)
	}
}

// Run drives the reporter every reportInterval and the queue every
// probeInterval until ctx is done.
func (d *Detector) Run(ctx context.Context, reportInterval, probeInterval time.Duration) {
	report := time.NewTicker(reportInterval)
	defer report.Stop()
	probe := time.NewTicker(probeInterval)
	defer probe.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			d.ReportOnce()
		case <-probe.C:
			d.Queue.RunOnce(ctx)
		}
	}
}
