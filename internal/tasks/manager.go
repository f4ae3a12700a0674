package tasks

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	api "github.com/flockctl/flockctl/api/v1"
	"github.com/flockctl/flockctl/internal/config"
	"github.com/flockctl/flockctl/internal/rollout"
	"github.com/flockctl/flockctl/internal/service"
	"github.com/flockctl/flockctl/pkg/thread"
	"github.com/sirupsen/logrus"
)

const (
	defaultJobSweepInterval  = 30 * time.Second
	defaultPartitionInterval = time.Hour
)

// Manager owns the background loops of the control plane: the device
// liveness sweep, the rollout tick, the job timeout sweep and event
// partition maintenance. The manager runs on its own context so that an
// in-flight poll finishes before Stop returns; threads are stopped first
// and the context is cancelled after.
type Manager struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	service      service.Service
	orchestrator *rollout.Orchestrator

	ctx        context.Context
	cancelFunc context.CancelFunc
	threads    []*thread.Thread
	once       sync.Once
}

func NewManager(log logrus.FieldLogger, cfg *config.Config, svc service.Service, orch *rollout.Orchestrator) *Manager {
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Manager{
		log:          log,
		cfg:          cfg,
		service:      svc,
		orchestrator: orch,
		ctx:          ctx,
		cancelFunc:   cancelFunc,
	}
}

func (m *Manager) Start() {
	if m.cfg.HeartbeatEnabled() {
		liveness := NewDeviceLiveness(m.log, m.service)
		interval := config.ParseDuration(m.cfg.Heartbeat.CheckInterval, api.DefaultHeartbeatInterval)
		m.addThread(DeviceLivenessTaskName, interval, liveness.Poll)
	} else {
		m.log.Info("Device liveness checks are disabled")
	}

	tick := NewRolloutTick(m.log, m.orchestrator)
	tickInterval := config.ParseDuration(m.cfg.Rollouts.TickInterval, api.DefaultRolloutTickInterval)
	m.addThread(RolloutTickTaskName, tickInterval, tick.Poll)

	timeouts := NewJobTimeouts(m.log, m.service)
	sweepInterval := config.ParseDuration(m.cfg.Jobs.TimeoutSweepInterval, defaultJobSweepInterval)
	m.addThread(JobTimeoutsTaskName, sweepInterval, timeouts.Poll)

	partitions := NewEventPartitions(m.log, m.service)
	partitionInterval := config.ParseDuration(m.cfg.Events.MaintenanceInterval, defaultPartitionInterval)
	m.addThread(EventPartitionsTaskName, partitionInterval, partitions.Poll)

	for _, t := range m.threads {
		t.Start()
	}
}

func (m *Manager) addThread(name string, interval time.Duration, poll func(context.Context)) {
	m.threads = append(m.threads, thread.New(m.ctx, m.log, name, interval, pollWithRecover(m.log, name, poll)))
}

// pollWithRecover keeps a panicking task from taking the process down with
// it. The swallowed run is logged with its stack; the thread's ticker fires
// the task again on the next interval.
func pollWithRecover(log logrus.FieldLogger, name string, poll func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"panic": r,
					"task":  name,
					"stack": string(debug.Stack()),
				}).Error("Background task panicked")
			}
		}()
		poll(ctx)
	}
}

func (m *Manager) Stop() {
	m.once.Do(func() {
		for _, t := range m.threads {
			t.Stop()
		}
		m.cancelFunc()
	})
}
