// Package ledger replicates the master's scheduling decisions through Raft:
// which workers registered, which task went to which worker, and which
// reply counted as the task's completion.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// ErrNotLeader is returned when an entry is applied on a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Cluster manages a Raft node holding the job ledger
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore
	transport     raft.Transport
	logger        *logger.Logger
}

// Config for creating a new cluster
type Config struct {
	NodeID   string   // Unique node identifier
	BindAddr string   // Address to bind Raft transport; empty uses an in-memory transport
	BindPort int      // Port for Raft transport
	DataDir  string   // Directory for the bolt log store and snapshots; empty keeps everything in memory
	Peers    []string // Other voters (nodeID@address:port)
	Logger   *logger.Logger
}

// NewCluster creates a new Raft node. A DataDir is wiped first: the ledger
// describes the current run only and is never recovered after a restart.
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}

	base := cfg.Logger
	if base == nil {
		base = logger.New("")
	}
	lg := base.Named("ledger")
	lg.Info("Initializing Raft ledger node: node_id=%s bind_addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		nodeID: cfg.NodeID,
		fsm:    NewFSM(lg),
		logger: lg,
	}

	if cfg.DataDir == "" {
		store := raft.NewInmemStore()
		c.logStore = store
		c.stableStore = store
		c.snapshotStore = raft.NewInmemSnapshotStore()
	} else {
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("failed to clear data directory: %w", err)
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			lg.Error("Failed to create data directory: %v", err)
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
		if err != nil {
			lg.Error("Failed to create log store: %v", err)
			return nil, fmt.Errorf("failed to create log store: %w", err)
		}
		c.logStore = logStore

		stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
		if err != nil {
			logStore.Close()
			lg.Error("Failed to create stable store: %v", err)
			return nil, fmt.Errorf("failed to create stable store: %w", err)
		}
		c.stableStore = stableStore

		snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 3, base.HCLog("raft-snapshot"))
		if err != nil {
			c.closeStores()
			lg.Error("Failed to create snapshot store: %v", err)
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}
		c.snapshotStore = snapshotStore
	}

	var localAddr raft.ServerAddress
	if cfg.BindAddr == "" {
		addr, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
		localAddr = addr
		c.transport = transport
	} else {
		addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort))
		if err != nil {
			c.closeStores()
			lg.Error("Failed to resolve address: %v", err)
			return nil, fmt.Errorf("failed to resolve address: %w", err)
		}
		transport, err := raft.NewTCPTransportWithLogger(addr.String(), addr, 3, 10*time.Second, base.HCLog("raft-net"))
		if err != nil {
			c.closeStores()
			lg.Error("Failed to create transport: %v", err)
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		localAddr = transport.LocalAddr()
		c.transport = transport
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 20
	raftCfg.Logger = base.HCLog("raft")

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, c.transport)
	if err != nil {
		c.closeTransport()
		c.closeStores()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(cfg.NodeID),
		Address:  localAddr,
	}}
	servers = append(servers, peers...)
	f := c.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		c.Close()
		lg.Error("Failed to bootstrap cluster: %v", err)
		return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	lg.Info("Ledger node ready: node_id=%s voters=%d", cfg.NodeID, len(servers))

	return c, nil
}

func parsePeers(peers []string) ([]raft.Server, error) {
	servers := make([]raft.Server, 0, len(peers))
	for _, p := range peers {
		id, addr, ok := strings.Cut(p, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want nodeID@host:port", p)
		}
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(addr),
		})
	}
	return servers, nil
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader address
func (c *Cluster) GetLeader() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader waits until this cluster has elected a leader
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetLeader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %v", timeout)
}

// ApplyLog applies a log entry to the state machine
// This should only be called on the leader
func (c *Cluster) ApplyLog(entryType, operation string, data interface{}) error {
	if !c.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, c.GetLeader())
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s data: %w", entryType, operation, err)
	}
	entry, err := json.Marshal(&types.LogEntry{
		Type:      entryType,
		Operation: operation,
		Data:      payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(entry, 5*time.Second)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// RegisterWorker records a worker registration
func (c *Cluster) RegisterWorker(workerID, address string) error {
	return c.ApplyLog("worker", "register", &types.WorkerRegistration{
		WorkerID: workerID,
		Address:  address,
	})
}

// WorkerLost marks a registered worker dead. A later registration from the
// same address makes it healthy again.
func (c *Cluster) WorkerLost(address string) error {
	return c.ApplyLog("worker", "lost", &types.WorkerRegistration{Address: address})
}

// AssignTask records that a task was handed to a worker
func (c *Cluster) AssignTask(phase types.Phase, number int, worker string) error {
	return c.ApplyLog("task", "assign", &types.TaskAssignment{
		Phase:    phase,
		Number:   number,
		WorkerID: worker,
	})
}

// CompleteTask records the reply that counted as a task's completion.
// A second completion of the same task fails with ErrAlreadyCompleted.
func (c *Cluster) CompleteTask(phase types.Phase, number int, worker string) error {
	return c.ApplyLog("task", "complete", &types.TaskCompletion{
		Phase:    phase,
		Number:   number,
		WorkerID: worker,
	})
}

// GetJobState returns the current ledger state
func (c *Cluster) GetJobState() *types.JobState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// GetFSM returns the underlying FSM
func (c *Cluster) GetFSM() *FSM {
	return c.fsm
}

// Stats returns the Raft statistics
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}

// Close closes the Raft node
func (c *Cluster) Close() error {
	var errs []error
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.closeTransport(); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cluster) closeTransport() error {
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (c *Cluster) closeStores() error {
	var errs []error
	if closer, ok := c.logStore.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	if interface{}(c.stableStore) != interface{}(c.logStore) {
		if closer, ok := c.stableStore.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
