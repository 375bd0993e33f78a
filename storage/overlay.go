package storage

import "sync"

// Overlay stages writes on top of a base database and applies them in a single
// Commit. Engines run complete operations against an overlay so that a failure
// on any leg discards every staged mutation; callers observe either the full
// effect of an operation or none of it.
type Overlay struct {
	mu      sync.RWMutex
	base    Database
	dirty   map[string][]byte
	deleted map[string]struct{}
}

// NewOverlay wraps the base database with an empty staging layer.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.deleted, k)
	o.dirty[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return nil, ErrKeyNotFound
	}
	if value, ok := o.dirty[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k := string(key)
	if _, gone := o.deleted[k]; gone {
		return false, nil
	}
	if _, ok := o.dirty[k]; ok {
		return true, nil
	}
	return o.base.Has(key)
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.dirty, k)
	o.deleted[k] = struct{}{}
	return nil
}

// Close discards the staged writes without touching the base database.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
	return nil
}

// Commit flushes the staged writes to the base database and resets the
// staging layer. Writes are applied deletions first so a key that was deleted
// and re-written within the same operation lands with its final value.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k := range o.deleted {
		if err := o.base.Delete([]byte(k)); err != nil {
			return err
		}
	}
	for k, v := range o.dirty {
		if err := o.base.Put([]byte(k), v); err != nil {
			return err
		}
	}
	o.dirty = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
	return nil
}
