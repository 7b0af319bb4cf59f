package server

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sjthespian/powerman/pkg/device"
)

// NodeState is an immutable snapshot of one node's states, taken on the
// engine goroutine before export leaves the loop.
type NodeState struct {
	Name   string
	PState string
	NState string
}

func snapshotNodes(nodes []*device.Node) []NodeState {
	out := make([]NodeState, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeState{
			Name:   n.Name,
			PState: n.PState.String(),
			NState: n.NState.String(),
		})
	}
	return out
}

// StateDB mirrors node power states into Redis after each refresh cycle, for
// external monitoring. Best-effort and fully asynchronous: the event loop
// never waits on Redis, and a write failure only logs.
type StateDB struct {
	client *redis.Client
	prefix string
	log    func(error)
}

// NewStateDB connects a state exporter to the given Redis address.
func NewStateDB(addr string, db int, logf func(error)) *StateDB {
	return &StateDB{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: "powerman:node:",
		log:    logf,
	}
}

// Export writes the snapshot. Last write wins; ordering across cycles is
// preserved only as well as Redis pipelining preserves it, which is fine for
// monitoring data.
func (s *StateDB) Export(nodes []NodeState) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe := s.client.Pipeline()
		for _, n := range nodes {
			pipe.HSet(ctx, s.prefix+n.Name,
				"p_state", n.PState,
				"n_state", n.NState,
				"updated", time.Now().UTC().Format(time.RFC3339))
		}
		if _, err := pipe.Exec(ctx); err != nil && s.log != nil {
			s.log(err)
		}
	}()
}

// Close releases the Redis connection.
func (s *StateDB) Close() error {
	return s.client.Close()
}
