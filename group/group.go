// Package group models the MPI-like collectives the coordinator uses to
// distribute the partition plan and reduce hit-index counts across workers
// (spec §4.5, §5). Group is the interface the coordinator is written
// against; Local is the only implementation, running every rank as a
// goroutine within one process. A multi-host implementation could satisfy
// the same interface without any change to the coordinator.
package group

import (
	"encoding/binary"
	"sync"
)

// Group is one rank's view of a collective-communication group.
type Group interface {
	Rank() int
	Size() int

	// Broadcast returns root's contribution to every rank, including root.
	Broadcast(root int, data []byte) ([]byte, error)
	// Gather returns every rank's contribution, indexed by rank, to every
	// rank (the Local implementation has no reason to restrict the result
	// to root alone).
	Gather(root int, data []byte) ([][]byte, error)
	// Reduce combines every rank's value with op, in rank order, and
	// returns the result to every rank.
	Reduce(value int64, op func(a, b int64) int64) (int64, error)
	// ReduceInt64s element-wise-sums equal-length vectors across ranks.
	ReduceInt64s(values []int64) ([]int64, error)
	// Barrier blocks until every rank has called Barrier.
	Barrier() error

	Send(dst int, data []byte) error
	Recv(src int) ([]byte, error)
}

// Local is an in-process group of size ranks, communicating over channels
// and a round-based rendezvous. It is not safe to reuse collectives out of
// lockstep: every rank must call the same sequence of collective operations
// in the same order, which holds for the coordinator's fixed pre-scan/
// post-scan protocol.
type Local struct {
	size int

	mu            sync.Mutex
	cond          *sync.Cond
	round         int
	arrived       int
	contributions [][]byte
	result        interface{}

	chanMu sync.Mutex
	chans  map[[2]int]chan []byte
}

// NewLocal creates a Local group of the given size.
func NewLocal(size int) *Local {
	g := &Local{
		size:          size,
		contributions: make([][]byte, size),
		chans:         make(map[[2]int]chan []byte),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Rank returns the Group interface for one member of the group.
func (g *Local) Rank(rank int) Group {
	return &localRank{g: g, rank: rank}
}

// rendezvous blocks the calling rank until every rank has contributed for
// the current round, then returns the combined result to all of them. The
// last arriver computes the result inline, under the lock, so combine must
// not itself call back into the group.
func (g *Local) rendezvous(rank int, contribution []byte, combine func([][]byte) interface{}) interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	myRound := g.round
	g.contributions[rank] = contribution
	g.arrived++
	if g.arrived == g.size {
		g.result = combine(g.contributions)
		g.arrived = 0
		g.contributions = make([][]byte, g.size)
		g.round++
		g.cond.Broadcast()
		return g.result
	}
	for g.round == myRound {
		g.cond.Wait()
	}
	return g.result
}

func (g *Local) chanFor(src, dst int) chan []byte {
	g.chanMu.Lock()
	defer g.chanMu.Unlock()
	key := [2]int{src, dst}
	ch, ok := g.chans[key]
	if !ok {
		ch = make(chan []byte, 1)
		g.chans[key] = ch
	}
	return ch
}

type localRank struct {
	g    *Local
	rank int
}

func (r *localRank) Rank() int { return r.rank }
func (r *localRank) Size() int { return r.g.size }

func (r *localRank) Broadcast(root int, data []byte) ([]byte, error) {
	res := r.g.rendezvous(r.rank, data, func(contribs [][]byte) interface{} {
		return contribs[root]
	})
	return res.([]byte), nil
}

func (r *localRank) Gather(root int, data []byte) ([][]byte, error) {
	res := r.g.rendezvous(r.rank, data, func(contribs [][]byte) interface{} {
		out := make([][]byte, len(contribs))
		copy(out, contribs)
		return out
	})
	return res.([][]byte), nil
}

func (r *localRank) Reduce(value int64, op func(a, b int64) int64) (int64, error) {
	res := r.g.rendezvous(r.rank, encodeInt64(value), func(contribs [][]byte) interface{} {
		acc := decodeInt64(contribs[0])
		for i := 1; i < len(contribs); i++ {
			acc = op(acc, decodeInt64(contribs[i]))
		}
		return acc
	})
	return res.(int64), nil
}

func (r *localRank) ReduceInt64s(values []int64) ([]int64, error) {
	res := r.g.rendezvous(r.rank, encodeInt64Slice(values), func(contribs [][]byte) interface{} {
		var sums []int64
		for _, c := range contribs {
			v := decodeInt64Slice(c)
			if sums == nil {
				sums = make([]int64, len(v))
			}
			for i := range v {
				sums[i] += v[i]
			}
		}
		return sums
	})
	return res.([]int64), nil
}

func (r *localRank) Barrier() error {
	r.g.rendezvous(r.rank, nil, func([][]byte) interface{} { return nil })
	return nil
}

func (r *localRank) Send(dst int, data []byte) error {
	r.g.chanFor(r.rank, dst) <- data
	return nil
}

func (r *localRank) Recv(src int) ([]byte, error) {
	return <-r.g.chanFor(src, r.rank), nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func encodeInt64Slice(vs []int64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(v))
	}
	return b
}

func decodeInt64Slice(b []byte) []int64 {
	vs := make([]int64, len(b)/8)
	for i := range vs {
		vs[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return vs
}
