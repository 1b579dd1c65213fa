package repository

import "sync"

// lockTable gives each PID its own writer lock. Entries are removed once no
// one holds or waits on them.
type lockTable struct {
	m     sync.Mutex
	locks map[string]*pidLock
}

type pidLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until the caller is the only writer for pid. The returned
// function releases the lock.
func (lt *lockTable) Lock(pid string) func() {
	lt.m.Lock()
	if lt.locks == nil {
		lt.locks = make(map[string]*pidLock)
	}
	l, ok := lt.locks[pid]
	if !ok {
		l = &pidLock{}
		lt.locks[pid] = l
	}
	l.refs++
	lt.m.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		lt.m.Lock()
		l.refs--
		if l.refs == 0 {
			delete(lt.locks, pid)
		}
		lt.m.Unlock()
	}
}

func (lt *lockTable) len() int {
	lt.m.Lock()
	defer lt.m.Unlock()
	return len(lt.locks)
}
