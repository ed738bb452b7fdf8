package transcoder

import (
	"errors"
	"fmt"
	"sync"
)

// teardown collects release functions in acquisition order and runs them in
// reverse, once. Resources never acquired are simply never registered, and a
// resource registered after teardown has run is released immediately.
type teardown struct {
	mu       sync.Mutex
	releases []release
	done     bool
	once     sync.Once
	err      error
}

type release struct {
	name string
	fn   func() error
}

func (t *teardown) add(name string, fn func() error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		_ = safeRelease(fn)
		return
	}
	t.releases = append(t.releases, release{name: name, fn: fn})
	t.mu.Unlock()
}

// run releases everything registered so far. Concurrent and repeated calls
// wait for the first one and return its result.
func (t *teardown) run() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.done = true
		releases := t.releases
		t.releases = nil
		t.mu.Unlock()

		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			r := releases[i]
			if err := safeRelease(r.fn); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
			}
		}
		t.err = errors.Join(errs...)
	})
	return t.err
}

func safeRelease(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during release: %v", r)
		}
	}()
	return fn()
}

// guard converts a panic raised while constructing a host resource into an
// error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
