package attrstore

import (
	"context"
	"sync"
)

// Locker grants exclusive access to one object id at a time.
type Locker interface {
	// Lock blocks until id is held or ctx is done. The returned unlock
	// function is safe to call more than once.
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// KeyMutex is an in-process Locker with one mutex per id. Entries are dropped
// once no goroutine holds or waits for them, so memory tracks contention
// rather than the number of ids ever seen. The zero value is ready to use.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyMutex returns an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{}
}

// Lock implements Locker.
func (m *KeyMutex) Lock(ctx context.Context, id string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[id]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			m.release(id, l)
		})
	}, nil
}

func (m *KeyMutex) release(id string, l *keyLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
	m.mu.Unlock()
}

// Len returns the number of ids currently held or waited on.
func (m *KeyMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// NopLocker performs no exclusion at all. Backends built with it break the
// Backend contract; it exists so tests can demonstrate what the contract
// prevents.
type NopLocker struct{}

// Lock implements Locker.
func (NopLocker) Lock(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
