package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/StijnSlebos/plensetechdoc-passiveaudiocapture/internal/protocol"
)

// NodeClient is the command interface of one capture node.
// *client.Client satisfies it.
type NodeClient interface {
	Name() string
	Address() string
	Ping(ctx context.Context) error
	StartRecording(ctx context.Context, duration time.Duration, startAt time.Time) (*protocol.RecStart, error)
	IsCaptureComplete(ctx context.Context) (bool, error)
	ListAudioFiles(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) error
}

// Node is a registry entry. Its flags are written by the scheduler only.
type Node struct {
	client     NodeClient
	responsive atomic.Bool
	active     atomic.Bool
}

// Name returns the node name
func (n *Node) Name() string {
	return n.client.Name()
}

// Address returns the node's command address
func (n *Node) Address() string {
	return n.client.Address()
}

// IsResponsive reports the outcome of the last liveness probe.
func (n *Node) IsResponsive() bool {
	return n.responsive.Load()
}

// IsActive reports whether the node accepted the current round.
func (n *Node) IsActive() bool {
	return n.active.Load()
}

// NodeInfo is a point-in-time view of a node
type NodeInfo struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Responsive bool   `json:"responsive"`
	Active     bool   `json:"active"`
}

// Info returns a snapshot of the node's state
func (n *Node) Info() NodeInfo {
	return NodeInfo{
		Name:       n.Name(),
		Address:    n.Address(),
		Responsive: n.IsResponsive(),
		Active:     n.IsActive(),
	}
}

// NodeFiles is the file listing one node returned for a round
type NodeFiles struct {
	Node  string   `json:"node"`
	Files []string `json:"files"`
}
