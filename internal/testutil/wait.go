// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"
	"testing"
	"time"
)

// Recorder collects values from concurrent callbacks and lets a test wait, with a
// deadline, until enough have arrived.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{notify: make(chan struct{}, 1)}
}

// Add records v and wakes waiters.
func (r *Recorder[T]) Add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Values returns a snapshot of everything recorded so far.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// Len returns how many values have been recorded.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// WaitN blocks until at least n values are recorded or timeout passes, failing the test
// in the latter case. It returns the values recorded at that point.
func (r *Recorder[T]) WaitN(t testing.TB, n int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if values := r.Values(); len(values) >= n {
			return values
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			values := r.Values()
			t.Fatalf("timed out after %s waiting for %d values, got %d", timeout, n, len(values))
			return values
		}
	}
}

// Quiet asserts no more than n values arrive within d.
func (r *Recorder[T]) Quiet(t testing.TB, n int, d time.Duration) {
	t.Helper()
	time.Sleep(d)
	if got := r.Len(); got > n {
		t.Fatalf("expected at most %d values, got %d", n, got)
	}
}

// WaitClosed fails the test unless ch is closed or receives within timeout.
func WaitClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %s waiting for channel", timeout)
	}
}
