package orchestrator

import "sync"

// Locker serialises work on one server across batches and admin calls.
type Locker interface {
	Lock(name string) (unlock func())
}

// KeyLocks is a Locker with one mutex per key.
type KeyLocks struct {
	m sync.Map
}

// Lock blocks until name is free.
func (l *KeyLocks) Lock(name string) func() {
	v, _ := l.m.LoadOrStore(name, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

type noLocks struct{}

func (noLocks) Lock(string) func() { return func() {} }
