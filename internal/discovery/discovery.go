package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
)

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// NodeDiscovery keeps a gossip ring between the master and its workers so
// the master learns about a worker that crashed while holding a task.
// Workers use their RPC address as node name.
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	onNodeJoin  func(nodeID string)
	onNodeLeave func(nodeID string)

	nodeAddresses map[string]string // nodeID -> gossip host:port
	localNodeID   string
}

// Config for node discovery
type Config struct {
	NodeID       string   // Unique node identifier
	LocalAddress string   // Address to bind to
	LocalPort    int      // Port to bind to; 0 picks a free one
	JoinAddrs    []string // Addresses to join cluster (format: "host:port")
	Logger       *logger.Logger
}

// NewNodeDiscovery creates a new node discovery service
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.LocalAddress == "" {
		cfg.LocalAddress = "127.0.0.1"
	}
	base := cfg.Logger
	if base == nil {
		base = logger.New("")
	}
	lg := base.Named("gossip")
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d", cfg.NodeID, cfg.LocalAddress, cfg.LocalPort)

	nd := &NodeDiscovery{
		logger:        lg,
		localNodeID:   cfg.NodeID,
		nodeAddresses: make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Events = &EventDelegate{discovery: nd}
	mlConfig.Logger = base.HCLog("memberlist").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			ml.Shutdown()
			lg.Error("Failed to join cluster: %v", err)
			return nil, fmt.Errorf("failed to join %v: %w", cfg.JoinAddrs, err)
		}
		lg.Info("Joined cluster through %d node(s), %d members", n, ml.NumMembers())
	}

	return nd, nil
}

// Addr returns the gossip address other nodes join.
func (nd *NodeDiscovery) Addr() string {
	local := nd.memberlist.LocalNode()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

// GetMembers returns all discovered nodes
func (nd *NodeDiscovery) GetMembers() map[string]string {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make(map[string]string)
	for k, v := range nd.nodeAddresses {
		result[k] = v
	}
	return result
}

// RegisterJoinCallback registers a callback for when nodes join
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeJoin = callback
}

// RegisterLeaveCallback registers a callback for when nodes leave or are
// declared dead
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	nd.mu.Lock()
	address := net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
	nd.nodeAddresses[node.Name] = address
	callback := nd.onNodeJoin
	nd.mu.Unlock()

	nd.logger.Info("Node joined: node_id=%s address=%s", node.Name, address)

	if callback != nil && node.Name != nd.localNodeID {
		go callback(node.Name)
	}
}

func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	delete(nd.nodeAddresses, node.Name)
	callback := nd.onNodeLeave
	nd.mu.Unlock()

	nd.logger.Info("Node left: node_id=%s", node.Name)

	if callback != nil && node.Name != nd.localNodeID {
		go callback(node.Name)
	}
}

func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	nd.mu.Lock()
	address := net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
	nd.nodeAddresses[node.Name] = address
	nd.mu.Unlock()

	nd.logger.Debug("Node updated: node_id=%s address=%s", node.Name, address)
}

// NumMembers returns the number of known cluster members
func (nd *NodeDiscovery) NumMembers() int {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return len(nd.nodeAddresses)
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
