package middleware

import (
	"net/http"
	"sync/atomic"
)

const (
	stateQueued int32 = iota
	stateRunning
	stateAbandoned
)

type job struct {
	w     http.ResponseWriter
	r     *http.Request
	next  http.Handler
	state atomic.Int32
	done  chan struct{}
}

// Limiter bounds how many requests run their handler at once. Up to
// queueSize further requests wait for a slot; beyond that requests are
// refused with 503.
type Limiter struct {
	queue    chan *job
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan *job, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for j := range l.queue {
		// acquire inflight slot (blocks if full)
		l.inflight <- struct{}{}

		if !j.state.CompareAndSwap(stateQueued, stateRunning) {
			// client gave up while queued
			<-l.inflight
			close(j.done)
			continue
		}

		go func(j *job) {
			defer func() {
				<-l.inflight // release slot
				close(j.done)
			}()

			j.next.ServeHTTP(j.w, j.r)
		}(j)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j := &job{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		select {
		case l.queue <- j:
		default:
			WriteError(w, http.StatusServiceUnavailable, "SERVER_BUSY", "server busy", nil)
			return
		}

		select {
		case <-j.done:
		case <-r.Context().Done():
			if j.state.CompareAndSwap(stateQueued, stateAbandoned) {
				WriteError(w, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "request canceled or timed out", nil)
				return
			}
			// already running: the handler owns w until it returns
			<-j.done
		}
	})
}

// Close stops the dispatcher. Limit must not be called afterwards.
func (l *Limiter) Close() {
	close(l.queue)
}
