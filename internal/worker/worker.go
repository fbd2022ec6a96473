// Package worker implements the long-running process that executes map and
// reduce tasks for a master.
package worker

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

// ErrBusy is returned when a task arrives while another is executing.
var ErrBusy = errors.New("worker busy with another task")

// State is where a worker is in its lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingTask State = "awaiting-task"
	StateExecuting    State = "executing"
	StateShutdown     State = "shutdown"
)

type Config struct {
	MasterAddr string
	Network    string // "tcp" (default) or "unix"
	Addr       string // listen address, "127.0.0.1:0" by default
	Dir        string // shared job directory

	// MaxTasks makes the worker stop listening after serving that many
	// tasks, as if it had crashed. Zero or negative means unlimited.
	MaxTasks int

	CallTimeout time.Duration      // for Register
	Gossip      *discovery.Config // optional; NodeID is set to the RPC address

	Logger *logger.Logger
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:0"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.New("")
	}
	return c
}

// Worker holds the state for a server waiting for DoTask or Shutdown RPCs.
type Worker struct {
	mu      sync.Mutex
	cfg     Config
	id      string
	files   mapreduce.Files
	mapF    mapreduce.MapFunc
	reduceF mapreduce.ReduceFunc

	state     State
	nTasks    int // tasks served, successful or not
	nRPC      int // tasks left before simulated crash; negative is unlimited
	server    *transport.Server
	client    *transport.Client
	discovery *discovery.NodeDiscovery
	logger    *logger.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, mapF mapreduce.MapFunc, reduceF mapreduce.ReduceFunc) *Worker {
	cfg = cfg.withDefaults()
	id := "worker-" + uuid.New().String()[:8]
	nRPC := cfg.MaxTasks
	if nRPC == 0 {
		nRPC = -1
	}
	return &Worker{
		cfg:     cfg,
		id:      id,
		files:   mapreduce.Files{Dir: cfg.Dir},
		mapF:    mapF,
		reduceF: reduceF,
		state:   StateIdle,
		nRPC:    nRPC,
		client:  &transport.Client{Network: cfg.Network, Timeout: cfg.CallTimeout},
		logger:  cfg.Logger.Named(id),
		done:    make(chan struct{}),
	}
}

// Start begins serving RPCs, joins the gossip ring if configured and
// registers with the master.
func (w *Worker) Start() error {
	w.server = transport.NewServer(transport.ServerOpts{
		ID:      w.id,
		Network: w.cfg.Network,
		Addr:    w.cfg.Addr,
		Logger:  w.cfg.Logger,
	})
	if err := w.server.Register("Worker", &workerRPC{w: w}); err != nil {
		return err
	}
	if err := w.server.Start(); err != nil {
		return err
	}

	if w.cfg.Gossip != nil {
		gcfg := *w.cfg.Gossip
		gcfg.NodeID = w.Addr()
		gcfg.Logger = w.cfg.Logger
		nd, err := discovery.NewNodeDiscovery(gcfg)
		if err != nil {
			w.server.Close()
			return fmt.Errorf("failed to join gossip: %w", err)
		}
		w.discovery = nd
	}

	if err := w.register(); err != nil {
		w.stop()
		return err
	}
	return nil
}

func (w *Worker) register() error {
	args := &types.RegisterArgs{Worker: w.Addr(), WorkerID: w.id}
	if err := w.client.Call(context.Background(), w.cfg.MasterAddr, "Master.Register", args, new(struct{})); err != nil {
		w.logger.Error("Register: RPC %s register error: %v", w.cfg.MasterAddr, err)
		return fmt.Errorf("register with %s: %w", w.cfg.MasterAddr, err)
	}

	w.mu.Lock()
	if w.state == StateIdle {
		w.state = StateAwaitingTask
	}
	w.mu.Unlock()
	return nil
}

// DoTask is called by the master when a new task is being scheduled on this
// worker. It runs the task to completion before replying.
func (w *Worker) DoTask(args *types.DoTaskArgs) error {
	w.mu.Lock()
	if w.state == StateShutdown {
		w.mu.Unlock()
		return errors.New("worker shut down")
	}
	if w.state == StateExecuting {
		w.mu.Unlock()
		w.logger.Error("DoTask: %s task %d arrived while busy", args.Phase, args.TaskNumber)
		return ErrBusy
	}
	w.state = StateExecuting
	w.nTasks++
	w.mu.Unlock()

	w.logger.Info("given %s task #%d on file %s (nios: %d)", args.Phase, args.TaskNumber, args.File, args.NumOtherPhase)

	err := w.execute(args)

	w.mu.Lock()
	if w.state == StateExecuting {
		w.state = StateAwaitingTask
	}
	crash := false
	if w.nRPC > 0 {
		w.nRPC--
		crash = w.nRPC == 0
	}
	if crash {
		w.state = StateShutdown
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("%s task #%d failed: %v", args.Phase, args.TaskNumber, err)
	} else {
		w.logger.Info("%s task #%d done", args.Phase, args.TaskNumber)
	}

	switch {
	case crash:
		w.logger.Warn("task limit reached, no longer accepting tasks")
		go w.stop()
	case err != nil:
		// the master drops a worker whose task failed; offer ourselves again
		go func() {
			if rerr := w.register(); rerr != nil {
				w.logger.Warn("re-register after failure: %v", rerr)
			}
		}()
	}
	return err
}

func (w *Worker) execute(args *types.DoTaskArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s task %d panicked: %v", args.Phase, args.TaskNumber, r)
		}
	}()

	switch args.Phase {
	case types.MapPhase:
		return mapreduce.DoMap(w.files, args.JobName, args.TaskNumber, args.File, args.NumOtherPhase, w.mapF)
	case types.ReducePhase:
		out := w.files.MergeName(args.JobName, args.TaskNumber)
		return mapreduce.DoReduce(w.files, args.JobName, args.TaskNumber, out, args.NumOtherPhase, w.reduceF)
	default:
		return fmt.Errorf("unknown phase %q", args.Phase)
	}
}

// Shutdown is called by the master when all work has been completed. It
// returns the number of tasks this worker has processed.
func (w *Worker) Shutdown() int {
	w.mu.Lock()
	n := w.nTasks
	w.state = StateShutdown
	w.mu.Unlock()

	w.logger.Debug("Shutdown after %d tasks", n)
	go w.stop()
	return n
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.state = StateShutdown
		w.mu.Unlock()
		if w.discovery != nil {
			w.discovery.Leave(time.Second)
			w.discovery.Shutdown()
		}
		if w.server != nil {
			w.server.Close()
		}
		close(w.done)
	})
}

// Wait blocks until the worker has been shut down.
func (w *Worker) Wait() {
	<-w.done
}

// Addr returns the worker's RPC address.
func (w *Worker) Addr() string {
	if w.server == nil {
		return w.cfg.Addr
	}
	return w.server.Addr()
}

// ID returns the worker's instance ID.
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Tasks returns the number of tasks served so far.
func (w *Worker) Tasks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nTasks
}

// workerRPC is the receiver published to the master.
type workerRPC struct {
	w *Worker
}

func (r *workerRPC) DoTask(args *types.DoTaskArgs, _ *struct{}) error {
	return r.w.DoTask(args)
}

func (r *workerRPC) Shutdown(_ *struct{}, reply *types.ShutdownReply) error {
	reply.Ntasks = r.w.Shutdown()
	return nil
}
