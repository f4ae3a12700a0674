package instrumentation

import (
	"context"
	"sync"
	"time"

	"github.com/flockctl/flockctl/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	fleetSampleInterval = 30 * time.Second
	fleetSampleTimeout  = 10 * time.Second
)

// FleetCollector gathers fleet-level gauges from the store on a fixed
// interval, so scrapes never hit the database directly.
type FleetCollector struct {
	devicesGauge  *prometheus.GaugeVec
	rolloutsGauge prometheus.Gauge

	store store.Store
	log   logrus.FieldLogger
	mu    sync.RWMutex
	ctx   context.Context
}

func NewFleetCollector(ctx context.Context, st store.Store, log logrus.FieldLogger) *FleetCollector {
	c := &FleetCollector{
		devicesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flockctl_devices",
			Help: "Number of registered devices by liveness state",
		}, []string{"state"}),
		rolloutsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flockctl_rollouts_unfinished",
			Help: "Number of rollouts the orchestrator still owes work",
		}),
		store: st,
		log:   log,
		ctx:   ctx,
	}

	c.log.Infof("Starting fleet metrics collector with interval %s", fleetSampleInterval)
	c.update()
	go c.sample()

	return c
}

func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	c.devicesGauge.Describe(ch)
	c.rolloutsGauge.Describe(ch)
}

func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.devicesGauge.Collect(ch)
	c.rolloutsGauge.Collect(ch)
}

func (c *FleetCollector) sample() {
	ticker := time.NewTicker(fleetSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug("Stopping fleet metrics collector")
			return
		case <-ticker.C:
			c.update()
		}
	}
}

func (c *FleetCollector) update() {
	ctx, cancel := context.WithTimeout(c.ctx, fleetSampleTimeout)
	defer cancel()

	online, offline, err := c.store.Device().Counts(ctx)
	if err != nil {
		c.log.Errorf("Could not count devices: %v", err)
	} else {
		c.mu.Lock()
		c.devicesGauge.WithLabelValues("online").Set(float64(online))
		c.devicesGauge.WithLabelValues("offline").Set(float64(offline))
		c.mu.Unlock()
	}

	rollouts, err := c.store.Rollout().ListUnfinished(ctx)
	if err != nil {
		c.log.Errorf("Could not count unfinished rollouts: %v", err)
		return
	}

	c.mu.Lock()
	c.rolloutsGauge.Set(float64(len(rollouts)))
	c.mu.Unlock()
}
