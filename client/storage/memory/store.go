package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyTracked = errors.New("resolution is already in progress")
	ErrNotTracked     = errors.New("resolution is not tracked")
)

// Resolution is an in-flight resolution of a discovered service instance.
type Resolution struct {
	Instance string
	Attempts int
	Started  time.Time

	cancel context.CancelFunc
}

// ResolutionStore tracks in-flight resolutions keyed by service instance name.
type ResolutionStore struct {
	mx *sync.Mutex
	db map[string]*Resolution
}

func NewResolutionStore() *ResolutionStore {
	return &ResolutionStore{
		mx: &sync.Mutex{},
		db: make(map[string]*Resolution),
	}
}

// Track starts tracking instance. cancel aborts the resolution when the entry is removed.
func (rs *ResolutionStore) Track(instance string, cancel context.CancelFunc) error {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	if _, ok := rs.db[instance]; ok {
		return ErrAlreadyTracked
	}
	rs.db[instance] = &Resolution{
		Instance: instance,
		Started:  time.Now(),
		cancel:   cancel,
	}
	return nil
}

// Attempt records a new resolution attempt and returns its number.
func (rs *ResolutionStore) Attempt(instance string) (int, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	res, ok := rs.db[instance]
	if !ok {
		return 0, ErrNotTracked
	}
	res.Attempts++
	return res.Attempts, nil
}

func (rs *ResolutionStore) Get(instance string) (Resolution, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	res, ok := rs.db[instance]
	if !ok {
		return Resolution{}, ErrNotTracked
	}
	return *res, nil
}

// Remove stops tracking instance and cancels its resolution.
// It reports whether the instance was tracked.
func (rs *ResolutionStore) Remove(instance string) bool {
	rs.mx.Lock()
	res, ok := rs.db[instance]
	delete(rs.db, instance)
	rs.mx.Unlock()

	if ok && res.cancel != nil {
		res.cancel()
	}
	return ok
}

func (rs *ResolutionStore) Len() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.db)
}

// Clear cancels and forgets every tracked resolution.
func (rs *ResolutionStore) Clear() {
	rs.mx.Lock()
	db := rs.db
	rs.db = make(map[string]*Resolution)
	rs.mx.Unlock()

	for _, res := range db {
		if res.cancel != nil {
			res.cancel()
		}
	}
}
