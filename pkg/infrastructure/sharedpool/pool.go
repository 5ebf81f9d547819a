package sharedpool

import (
	"errors"
	"sync"
)

type WrappedValueReleaseFunc func() error

// SharedValue is a reference to a pooled value. Release must be called once per Get.
type SharedValue[K comparable, V any] struct {
	v V

	key     K
	count   int
	release WrappedValueReleaseFunc
	pool    *Pool[K, V]

	// ready is closed once the factory has returned; err is its failure.
	ready chan struct{}
	err   error
}

func (v *SharedValue[K, V]) Value() V {
	return v.v
}

func (v *SharedValue[K, V]) Release() error {
	return v.pool.release(v)
}

type ValueFactory[K comparable, V any] func(key K) (V, WrappedValueReleaseFunc, error)

func NewPool[K comparable, V any](factory ValueFactory[K, V]) *Pool[K, V] {
	return &Pool[K, V]{
		valueFactory: factory,
		pool:         make(map[K]*SharedValue[K, V]),
	}
}

// Pool shares one value per key between concurrent holders and releases it
// when the last holder is done. The factory and the release func run without
// the pool lock held, so a factory blocked on an exhausted resource never stops
// other holders from giving their values back.
type Pool[K comparable, V any] struct {
	valueFactory ValueFactory[K, V]

	mu   sync.Mutex
	pool map[K]*SharedValue[K, V]
}

func (p *Pool[K, V]) Get(key K) (*SharedValue[K, V], error) {
	p.mu.Lock()
	if sv, ok := p.pool[key]; ok {
		sv.count++
		p.mu.Unlock()

		<-sv.ready
		if sv.err != nil {
			return nil, sv.err
		}
		return sv, nil
	}
	sv := &SharedValue[K, V]{
		key:   key,
		count: 1,
		pool:  p,
		ready: make(chan struct{}),
	}
	p.pool[key] = sv
	p.mu.Unlock()

	v, release, err := p.valueFactory(key)

	p.mu.Lock()
	if err != nil {
		sv.err = err
		delete(p.pool, key)
	} else {
		sv.v = v
		sv.release = release
	}
	p.mu.Unlock()
	close(sv.ready)

	if err != nil {
		return nil, err
	}
	return sv, nil
}

func (p *Pool[K, V]) release(sv *SharedValue[K, V]) error {
	p.mu.Lock()
	current, ok := p.pool[sv.key]
	if !ok || current != sv {
		p.mu.Unlock()
		return errors.New("value not found in pool")
	}
	sv.count--
	if sv.count > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.pool, sv.key)
	p.mu.Unlock()

	if sv.release == nil {
		return nil
	}
	return sv.release()
}
