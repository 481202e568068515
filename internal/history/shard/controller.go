package shard

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/linkflow/execplane/internal/history/types"
)

var ErrControllerStopped = errors.New("shard controller stopped")

// Shard serializes all writes for the executions hashed onto it. Holding
// the shard lock is what makes the history service the single writer for
// an execution's log.
type Shard struct {
	id int32
	mu sync.Mutex
}

func (s *Shard) ID() int32 { return s.id }

// Lock blocks until this shard's write lock is held.
func (s *Shard) Lock() { s.mu.Lock() }

func (s *Shard) Unlock() { s.mu.Unlock() }

// Controller owns the static shard set of one history host.
type Controller struct {
	numShards int32
	shards    []*Shard

	mu      sync.RWMutex
	running bool
}

func NewController(numShards int32) *Controller {
	if numShards <= 0 {
		numShards = 16
	}
	shards := make([]*Shard, numShards)
	for i := int32(0); i < numShards; i++ {
		shards[i] = &Shard{id: i}
	}
	return &Controller{
		numShards: numShards,
		shards:    shards,
	}
}

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *Controller) NumShards() int32 { return c.numShards }

// ShardForExecution returns the shard owning the execution. All runs of a
// workflow hash to the same shard so their writes serialize.
func (c *Controller) ShardForExecution(key types.ExecutionKey) (*Shard, error) {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return nil, ErrControllerStopped
	}
	return c.shards[c.ShardID(key)], nil
}

func (c *Controller) ShardID(key types.ExecutionKey) int32 {
	return ShardID(key, c.numShards)
}

// ShardID hashes namespace and workflow ID onto [0, numShards).
func ShardID(key types.ExecutionKey, numShards int32) int32 {
	if numShards <= 0 {
		numShards = 16
	}
	h := fnv.New32a()
	h.Write([]byte(key.Namespace))
	h.Write([]byte{'/'})
	h.Write([]byte(key.WorkflowID))
	return int32(h.Sum32() % uint32(numShards))
}
