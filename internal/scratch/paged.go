package scratch

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const DefaultPageSize = 2 * 1024

type page struct {
	data   []byte
	offset atomic.Uint64
	id     uint32
}

func (p *page) allocate(n int) []byte {
	end := p.offset.Add(uint64(n))
	if end > uint64(len(p.data)) {
		return nil
	}
	start := end - uint64(n)
	return p.data[start:end:end]
}

// Pool hands out pages tagged with the id of the frame that wrote them.
// Pages are recycled in bulk by Evict once no reader can reach that frame
// anymore.
type Pool struct {
	pageSize int

	mu         sync.Mutex
	allocated  []*page
	free       []*page
	numPages   int
	minValidID uint32
}

func NewPool(pageSize int) *Pool {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pool{pageSize: pageSize}
}

func (p *Pool) acquire(id uint32, size int) *page {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pg *page
	if size <= p.pageSize && len(p.free) > 0 {
		pg = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		pg.offset.Store(0)
	} else {
		if size < p.pageSize {
			size = p.pageSize
		}
		pg = &page{data: make([]byte, size)}
		p.numPages++
	}
	pg.id = id
	p.allocated = append(p.allocated, pg)
	return pg
}

// Evict releases every page written by frame id or earlier.
func (p *Pool) Evict(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(p.allocated) && p.allocated[n].id <= id {
		pg := p.allocated[n]
		p.allocated[n] = nil
		if len(pg.data) == p.pageSize {
			p.free = append(p.free, pg)
		} else {
			p.numPages--
		}
		n++
	}
	p.allocated = p.allocated[n:]
	if id+1 > p.minValidID {
		p.minValidID = id + 1
	}
}

// IsValid reports whether strings allocated for frame id are still backed by
// live pages.
func (p *Pool) IsValid(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return id >= p.minValidID
}

type PoolStats struct {
	Pages     int
	FreePages int
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Pages: p.numPages, FreePages: len(p.free)}
}

// Arena allocates from pool pages tagged with one frame id.
type Arena struct {
	pool *Pool
	id   uint32

	mu      sync.Mutex
	current atomic.Pointer[page]
}

func (p *Pool) Arena(id uint32) *Arena {
	return &Arena{pool: p, id: id}
}

func (a *Arena) ID() uint32 {
	return a.id
}

// Allocate never fails, the arena grabs a new page when the current one is
// full. Requests larger than a page get a dedicated page.
func (a *Arena) Allocate(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > a.pool.pageSize {
		return a.pool.acquire(a.id, n).allocate(n)
	}
	if pg := a.current.Load(); pg != nil {
		if b := pg.allocate(n); b != nil {
			return b
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if pg := a.current.Load(); pg != nil {
		if b := pg.allocate(n); b != nil {
			return b
		}
	}
	pg := a.pool.acquire(a.id, n)
	b := pg.allocate(n)
	a.current.Store(pg)
	return b
}

func (a *Arena) String(s string) string {
	if s == "" {
		return ""
	}
	b := a.Allocate(len(s))
	copy(b, s)
	return unsafe.String(&b[0], len(b))
}
