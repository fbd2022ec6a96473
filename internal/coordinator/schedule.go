package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// DefaultRoundTimeout bounds how long a scheduling round waits for replies
// before unconfirmed tasks are handed out again.
const DefaultRoundTimeout = 5 * time.Second

// Dispatcher sends one task to a worker and blocks until it replies.
type Dispatcher interface {
	DoTask(ctx context.Context, worker string, args *types.DoTaskArgs) error
}

// Ledger records registrations, assignments and counted completions.
type Ledger interface {
	RegisterWorker(workerID, address string) error
	AssignTask(phase types.Phase, number int, worker string) error
	CompleteTask(phase types.Phase, number int, worker string) error
}

// RPCDispatcher calls Worker.DoTask over net/rpc.
type RPCDispatcher struct {
	Client *transport.Client
}

func (d *RPCDispatcher) DoTask(ctx context.Context, worker string, args *types.DoTaskArgs) error {
	return d.Client.Call(ctx, worker, "Worker.DoTask", args, new(struct{}))
}

type SchedulerOpts struct {
	RoundTimeout time.Duration
	Ledger       Ledger
	Logger       *logger.Logger
}

// Scheduler drives one phase at a time to completion over the workers that
// show up on its register channel.
type Scheduler struct {
	workers      *RegisterChannel
	dispatcher   Dispatcher
	ledger       Ledger
	roundTimeout time.Duration
	logger       *logger.Logger

	mu         sync.Mutex
	active     *taskSet
	dispatched atomic.Int64
}

func NewScheduler(workers *RegisterChannel, dispatcher Dispatcher, opts SchedulerOpts) *Scheduler {
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = DefaultRoundTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("")
	}
	return &Scheduler{
		workers:      workers,
		dispatcher:   dispatcher,
		ledger:       opts.Ledger,
		roundTimeout: opts.RoundTimeout,
		logger:       lg.Named("schedule"),
	}
}

// Schedule starts and waits for every task of phase. mapFiles holds one
// input per map task; nReduce is the number of reduce tasks. It returns nil
// only once every task has been confirmed by a successful reply.
func (s *Scheduler) Schedule(ctx context.Context, jobName string, mapFiles []string, nReduce int, phase types.Phase) error {
	var nTasks, nOther int
	switch phase {
	case types.MapPhase:
		nTasks = len(mapFiles)
		nOther = nReduce
	case types.ReducePhase:
		nTasks = nReduce
		nOther = len(mapFiles)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}

	s.logger.Info("Schedule: %d %s tasks (%d I/Os)", nTasks, phase, nOther)

	tasks := newTaskSet(phase, nTasks)
	s.setActive(tasks)
	defer s.setActive(nil)

	// readCtx ends with the phase so a round blocked on Read is released.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-tasks.done:
			cancel()
		case <-readCtx.Done():
		}
	}()

	round := 0
	for !tasks.complete() {
		round++
		for _, i := range tasks.pending() {
			worker, err := s.workers.Read(readCtx)
			if err != nil {
				if tasks.complete() {
					break
				}
				return fmt.Errorf("schedule %s: waiting for a worker: %w", phase, err)
			}

			attempt, ok := tasks.assign(i, worker)
			if !ok {
				// confirmed by an earlier attempt while we waited
				if err := s.workers.Write(worker); err != nil {
					s.logger.Debug("worker %s not requeued: %v", worker, err)
				}
				continue
			}

			args := &types.DoTaskArgs{
				JobName:       jobName,
				Phase:         phase,
				TaskNumber:    i,
				NumOtherPhase: nOther,
			}
			if phase == types.MapPhase {
				args.File = mapFiles[i]
			}

			if s.ledger != nil {
				if err := s.ledger.AssignTask(phase, i, worker); err != nil {
					s.logger.Warn("ledger: assign %s task %d: %v", phase, i, err)
				}
			}
			s.logger.Debug("round %d: %s task %d -> %s (attempt %d)", round, phase, i, worker, attempt)
			go s.dispatch(ctx, tasks, worker, args, attempt)
		}

		timer := time.NewTimer(s.roundTimeout)
		select {
		case <-tasks.done:
		case <-tasks.retry:
		case <-timer.C:
			if n := tasks.expire(); n > 0 {
				s.logger.Warn("round %d: %d %s tasks unconfirmed after %v, reassigning", round, n, phase, s.roundTimeout)
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("schedule %s: %w", phase, ctx.Err())
		}
		timer.Stop()
	}

	s.logger.Info("Schedule: %s done", phase)
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, tasks *taskSet, worker string, args *types.DoTaskArgs, attempt int) {
	s.dispatched.Add(1)

	if err := s.dispatcher.DoTask(ctx, worker, args); err != nil {
		s.logger.Warn("%s task %d on %s failed (attempt %d): %v", args.Phase, args.TaskNumber, worker, attempt, err)
		tasks.fail(args.TaskNumber, attempt)
		return
	}

	if tasks.markDone(args.TaskNumber) {
		if s.ledger != nil {
			if err := s.ledger.CompleteTask(args.Phase, args.TaskNumber, worker); err != nil {
				s.logger.Warn("ledger: complete %s task %d: %v", args.Phase, args.TaskNumber, err)
			}
		}
	} else {
		s.logger.Debug("%s task %d already done, ignoring reply from %s", args.Phase, args.TaskNumber, worker)
	}

	if err := s.workers.Write(worker); err != nil {
		s.logger.Debug("worker %s not requeued: %v", worker, err)
	}
}

// WorkerLost drops a worker that gossip reported gone and hands its
// in-flight tasks to somebody else.
func (s *Scheduler) WorkerLost(addr string) {
	dropped := s.workers.Remove(addr)

	s.mu.Lock()
	tasks := s.active
	s.mu.Unlock()

	var requeued []int
	if tasks != nil {
		requeued = tasks.release(addr)
	}
	s.logger.Warn("worker %s lost: dropped %d idle entries, requeued tasks %v", addr, dropped, requeued)
}

// Dispatched returns the number of DoTask calls issued so far.
func (s *Scheduler) Dispatched() int64 {
	return s.dispatched.Load()
}

func (s *Scheduler) setActive(ts *taskSet) {
	s.mu.Lock()
	s.active = ts
	s.mu.Unlock()
}
