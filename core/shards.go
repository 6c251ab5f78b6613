package core

import (
	"hash/fnv"
	"sync"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARD POOL - Single writer per (address, asset)
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultShardCount = 16
	shardQueueDepth   = 512
)

// shardPool fans work out across workers while keeping every task for the
// same key on the same worker, in arrival order. That is the whole
// concurrency contract of the fill pipeline: shards run in parallel, one
// key never does.
type shardPool struct {
	queues []chan func()
	wg     sync.WaitGroup
}

func newShardPool(n int) *shardPool {
	if n <= 0 {
		n = 1
	}
	queues := make([]chan func(), n)
	for i := range queues {
		queues[i] = make(chan func(), shardQueueDepth)
	}
	return &shardPool{queues: queues}
}

func (p *shardPool) start() {
	for _, q := range p.queues {
		p.wg.Add(1)
		go func(q chan func()) {
			defer p.wg.Done()
			for fn := range q {
				fn()
			}
		}(q)
	}
}

// dispatch blocks when the shard's queue is full, applying backpressure to
// the consumer instead of dropping fills.
func (p *shardPool) dispatch(key string, fn func()) {
	p.queues[p.shardOf(key)] <- fn
}

func (p *shardPool) shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// stop closes the queues and waits for in-flight work to drain.
func (p *shardPool) stop() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}
