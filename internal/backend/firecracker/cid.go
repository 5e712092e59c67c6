package firecracker

import (
	"fmt"
	"sync"
)

// cidPool hands out vsock context IDs to microVMs. Allocation scans a window
// of size slots starting after the last CID handed out, wrapping back to base,
// so a released CID is not reused until the scan comes around again.
type cidPool struct {
	mu    sync.Mutex
	base  uint32
	size  uint32
	next  uint32
	inUse map[uint32]bool
}

func newCIDPool(base uint32, size int) *cidPool {
	base = max(base, MinCID)
	if size <= 0 {
		size = MaxConcurrentVMs
	}
	return &cidPool{
		base:  base,
		size:  uint32(size),
		next:  base,
		inUse: make(map[uint32]bool),
	}
}

func (p *cidPool) allocate() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.size {
		cid := p.base + (p.next-p.base+i)%p.size
		if !p.inUse[cid] {
			p.inUse[cid] = true
			p.next = cid + 1
			return cid, nil
		}
	}
	return 0, fmt.Errorf("no free vsock CID in [%d, %d)", p.base, p.base+p.size)
}

func (p *cidPool) release(cid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, cid)
}

func (p *cidPool) used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
