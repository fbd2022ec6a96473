package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// Config describes one job and how the master serves it.
type Config struct {
	JobName string
	Files   []string // one map task per file
	NReduce int
	Dir     string // shared directory for intermediate and output files

	Network string // "tcp" (default) or "unix"
	Address string // master RPC address, "127.0.0.1:0" by default

	RoundTimeout time.Duration // scheduler re-scan interval
	CallTimeout  time.Duration // per DoTask call; zero waits for the reply

	Ledger Ledger            // optional
	Gossip *discovery.Config // optional; NodeID is filled in

	Logger *logger.Logger
}

func (c Config) withDefaults() Config {
	if c.JobName == "" {
		c.JobName = "job"
	}
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Address == "" {
		c.Address = "127.0.0.1:0"
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.New("")
	}
	return c
}

func (c Config) validate() error {
	if c.NReduce <= 0 {
		return fmt.Errorf("nReduce must be positive, got %d", c.NReduce)
	}
	return nil
}

// Master holds all the state the master needs to keep track of. Of
// particular importance is registerCh, the stream of workers that have gone
// idle and are in need of new work.
type Master struct {
	sync.Mutex

	cfg        Config
	runID      string
	files      mapreduce.Files
	registerCh *RegisterChannel
	scheduler  *Scheduler
	workers    []string // protected by the mutex
	server     *transport.Server
	client     *transport.Client
	discovery  *discovery.NodeDiscovery
	logger     *logger.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	err          error
	stats        []int
	result       string
	shutdownOnce sync.Once
}

func newMaster(cfg Config) *Master {
	cfg = cfg.withDefaults()
	runID := uuid.New().String()
	m := &Master{
		cfg:        cfg,
		runID:      runID,
		files:      mapreduce.Files{Dir: cfg.Dir},
		registerCh: NewRegisterChannel(),
		client:     &transport.Client{Network: cfg.Network, Timeout: cfg.CallTimeout},
		logger:     cfg.Logger.Named("master"),
		done:       make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Sequential runs map and reduce tasks one after another in the calling
// process, waiting for each task to complete before starting the next.
func Sequential(cfg Config, mapF mapreduce.MapFunc, reduceF mapreduce.ReduceFunc) (*Master, error) {
	m := newMaster(cfg)
	if err := m.cfg.validate(); err != nil {
		return nil, err
	}

	go m.run(func(phase types.Phase) error {
		switch phase {
		case types.MapPhase:
			for i, f := range m.cfg.Files {
				if err := mapreduce.DoMap(m.files, m.cfg.JobName, i, f, m.cfg.NReduce, mapF); err != nil {
					return err
				}
			}
		case types.ReducePhase:
			for r := 0; r < m.cfg.NReduce; r++ {
				out := m.files.MergeName(m.cfg.JobName, r)
				if err := mapreduce.DoReduce(m.files, m.cfg.JobName, r, out, len(m.cfg.Files), reduceF); err != nil {
					return err
				}
			}
		}
		return nil
	}, func() {
		m.Lock()
		m.stats = []int{len(m.cfg.Files) + m.cfg.NReduce}
		m.Unlock()
		m.cancel()
	})
	return m, nil
}

// Distributed schedules map and reduce tasks on workers that register with
// the master over RPC.
func Distributed(cfg Config) (*Master, error) {
	m := newMaster(cfg)
	if err := m.cfg.validate(); err != nil {
		return nil, err
	}

	m.scheduler = NewScheduler(m.registerCh, &RPCDispatcher{Client: m.client}, SchedulerOpts{
		RoundTimeout: m.cfg.RoundTimeout,
		Ledger:       m.cfg.Ledger,
		Logger:       m.logger,
	})

	m.server = transport.NewServer(transport.ServerOpts{
		ID:      "master",
		Network: m.cfg.Network,
		Addr:    m.cfg.Address,
		Logger:  m.cfg.Logger,
	})
	if err := m.server.Register("Master", &masterRPC{m: m}); err != nil {
		return nil, err
	}
	if err := m.server.Start(); err != nil {
		return nil, err
	}

	if m.cfg.Gossip != nil {
		gcfg := *m.cfg.Gossip
		gcfg.NodeID = "master-" + m.runID[:8]
		gcfg.Logger = m.cfg.Logger
		nd, err := discovery.NewNodeDiscovery(gcfg)
		if err != nil {
			m.server.Close()
			return nil, fmt.Errorf("failed to start gossip: %w", err)
		}
		nd.RegisterLeaveCallback(m.workerLost)
		m.discovery = nd
	}

	go m.run(func(phase types.Phase) error {
		return m.scheduler.Schedule(m.ctx, m.cfg.JobName, m.cfg.Files, m.cfg.NReduce, phase)
	}, m.Shutdown)
	return m, nil
}

// run executes the job: every map task, then every reduce task, then the
// merge of the reduce outputs. finish runs last whatever the outcome.
func (m *Master) run(schedule func(phase types.Phase) error, finish func()) {
	defer close(m.done)

	m.logger.Info("%s: Starting Map/Reduce task %s (run %s)", m.Addr(), m.cfg.JobName, m.runID)

	err := schedule(types.MapPhase)
	if err == nil {
		err = schedule(types.ReducePhase)
	}
	var result string
	if err == nil {
		result, err = mapreduce.Merge(m.files, m.cfg.JobName, m.cfg.NReduce)
	}
	finish()

	m.Lock()
	m.err = err
	m.result = result
	m.Unlock()

	if err != nil {
		m.logger.Error("Map/Reduce task %s failed: %v", m.cfg.JobName, err)
		return
	}
	m.logger.Info("%s: Map/Reduce task completed, result in %s", m.Addr(), result)
}

// Register is called by workers once they are ready to receive tasks.
func (m *Master) Register(args *types.RegisterArgs) error {
	if args.Worker == "" {
		return errors.New("register: empty worker address")
	}

	m.Lock()
	known := false
	for _, w := range m.workers {
		if w == args.Worker {
			known = true
			break
		}
	}
	if !known {
		m.workers = append(m.workers, args.Worker)
	}
	m.Unlock()

	m.logger.Debug("Register: worker %s (%s)", args.Worker, args.WorkerID)

	if m.cfg.Ledger != nil {
		if err := m.cfg.Ledger.RegisterWorker(args.WorkerID, args.Worker); err != nil {
			m.logger.Warn("ledger: register %s: %v", args.Worker, err)
		}
	}
	if err := m.registerCh.Write(args.Worker); err != nil {
		return fmt.Errorf("register %s: %w", args.Worker, err)
	}
	return nil
}

func (m *Master) workerLost(nodeID string) {
	m.Lock()
	idx := -1
	for i, w := range m.workers {
		if w == nodeID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		m.workers = append(m.workers[:idx], m.workers[idx+1:]...)
	}
	m.Unlock()

	if idx < 0 {
		return
	}
	if m.scheduler != nil {
		m.scheduler.WorkerLost(nodeID)
	}
	if l, ok := m.cfg.Ledger.(interface{ WorkerLost(address string) error }); ok {
		if err := l.WorkerLost(nodeID); err != nil {
			m.logger.Warn("ledger: lost %s: %v", nodeID, err)
		}
	}
}

// Wait blocks until the job has completed: every task confirmed, the output
// merged and, in distributed mode, every worker shut down.
func (m *Master) Wait() error {
	<-m.done
	m.Lock()
	defer m.Unlock()
	return m.err
}

// Shutdown stops the job if it is still running, tells every registered
// worker to exit and releases the register channel. It is safe to call more
// than once.
func (m *Master) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.cancel()
		stats := m.killWorkers()
		m.Lock()
		m.stats = stats
		m.Unlock()

		if m.server != nil {
			if err := m.server.Close(); err != nil {
				m.logger.Warn("failed to stop RPC server: %v", err)
			}
		}
		if m.discovery != nil {
			if err := m.discovery.Leave(time.Second); err != nil {
				m.logger.Debug("gossip leave: %v", err)
			}
			m.discovery.Shutdown()
		}
		m.registerCh.Close()
	})
}

// killWorkers sends a Shutdown RPC to every worker and returns the number of
// tasks each one reports having performed.
func (m *Master) killWorkers() []int {
	m.Lock()
	workers := append([]string(nil), m.workers...)
	m.Unlock()

	client := &transport.Client{Network: m.cfg.Network, Timeout: 2 * time.Second}
	ntasks := make([]int, 0, len(workers))
	for _, w := range workers {
		m.logger.Debug("shutdown worker %s", w)
		var reply types.ShutdownReply
		if err := client.Call(context.Background(), w, "Worker.Shutdown", new(struct{}), &reply); err != nil {
			m.logger.Warn("RPC %s shutdown error: %v", w, err)
			continue
		}
		ntasks = append(ntasks, reply.Ntasks)
	}
	return ntasks
}

// Addr returns the master's RPC address, or "master" in sequential mode.
func (m *Master) Addr() string {
	if m.server == nil {
		return "master"
	}
	return m.server.Addr()
}

// GossipAddr returns the address workers join to be watched for failure.
func (m *Master) GossipAddr() string {
	if m.discovery == nil {
		return ""
	}
	return m.discovery.Addr()
}

// Stats returns the task count each worker reported at shutdown.
func (m *Master) Stats() []int {
	m.Lock()
	defer m.Unlock()
	return append([]int(nil), m.stats...)
}

// ResultFile returns the merged output file once the job is done.
func (m *Master) ResultFile() string {
	m.Lock()
	defer m.Unlock()
	return m.result
}

// Dispatched returns how many DoTask calls the scheduler has issued.
func (m *Master) Dispatched() int64 {
	if m.scheduler == nil {
		return 0
	}
	return m.scheduler.Dispatched()
}

// CleanupFiles removes every intermediate and output file of the job.
func (m *Master) CleanupFiles() error {
	return mapreduce.Cleanup(m.files, m.cfg.JobName, len(m.cfg.Files), m.cfg.NReduce)
}

// masterRPC is the receiver published to workers.
type masterRPC struct {
	m *Master
}

func (r *masterRPC) Register(args *types.RegisterArgs, _ *struct{}) error {
	return r.m.Register(args)
}
