package sound

import (
	"sync"

	"github.com/faiface/beep"
)

// gainNode applies an envelope and a fixed gain to a source streamer.
type gainNode struct {
	index      int
	generation uint64

	source beep.Streamer
	env    Envelope
	gain   float64
	pos    int
	total  int
}

func (g *gainNode) Stream(samples [][2]float64) (int, bool) {
	if g.source == nil {
		return 0, false
	}
	n, ok := g.source.Stream(samples)
	for i := 0; i < n; i++ {
		v := g.gain * g.env.At(float64(g.pos)/float64(g.total))
		samples[i][0] *= v
		samples[i][1] *= v
		g.pos++
	}
	return n, ok
}

func (g *gainNode) Err() error {
	if g.source == nil {
		return nil
	}
	return g.source.Err()
}

// gainHandle identifies one lease of a node. A stale handle cannot release a node that has been
// leased again.
type gainHandle struct {
	node       *gainNode
	generation uint64
}

// GainPool is a fixed arena of gain nodes reused across beats.
type GainPool struct {
	mu    sync.Mutex
	nodes []gainNode
	free  []int
}

func NewGainPool(size int) *GainPool {
	if size < 1 {
		size = 1
	}
	p := &GainPool{
		nodes: make([]gainNode, size),
		free:  make([]int, 0, size),
	}
	for i := size - 1; i >= 0; i-- {
		p.nodes[i].index = i
		p.free = append(p.free, i)
	}
	return p
}

func (p *GainPool) acquire(source beep.Streamer, env Envelope, gain float64, total int) (gainHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return gainHandle{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	n := &p.nodes[idx]
	n.generation++
	n.source = source
	n.env = env
	n.gain = gain
	n.pos = 0
	n.total = total
	if n.total < 1 {
		n.total = 1
	}
	return gainHandle{node: n, generation: n.generation}, true
}

// release returns the node to the pool. Releasing twice, or with a stale handle, is a no-op.
func (p *GainPool) release(h gainHandle) bool {
	if h.node == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.node.generation != h.generation || h.node.source == nil {
		return false
	}
	h.node.source = nil
	p.free = append(p.free, h.node.index)
	return true
}

// Available returns the number of idle nodes.
func (p *GainPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the arena capacity.
func (p *GainPool) Size() int {
	return len(p.nodes)
}
