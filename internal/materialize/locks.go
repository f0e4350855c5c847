package materialize

import "sync"

// pathLocks hands out one mutex per shadow path. Entries are dropped when no
// goroutine holds or waits on them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sync.Mutex
	owner *pathLocks
	path  string
	refs  int
}

func (p *pathLocks) acquire(path string) *pathLock {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*pathLock)
	}
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{owner: p, path: path}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return l
}

// Unlock releases the path and forgets it once unused.
func (l *pathLock) Unlock() {
	l.Mutex.Unlock()

	p := l.owner
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, l.path)
	}
	p.mu.Unlock()
}

func (p *pathLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
