package stream

import (
	"sync"
	"sync/atomic"
)

// Lifecycle is embedded by every client stream. Cancel stops delivery of
// further output; Close additionally releases the connection via the release
// hook. Both are idempotent and safe for concurrent use.
type Lifecycle struct {
	cancelled atomic.Bool
	closed    atomic.Bool

	cancelOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	initOnce   sync.Once

	errMu sync.Mutex
	err   error

	// OnCancel runs once, on the first Cancel or Close.
	OnCancel func()
	// OnClose runs once, on Close, after OnCancel.
	OnClose func() error
}

func (l *Lifecycle) init() {
	l.initOnce.Do(func() { l.done = make(chan struct{}) })
}

// Done is closed once the stream is cancelled or closed.
func (l *Lifecycle) Done() <-chan struct{} {
	l.init()
	return l.done
}

// Cancel marks the stream cancelled. Calling it on a finished stream is a no-op.
func (l *Lifecycle) Cancel() {
	l.init()
	l.cancelOnce.Do(func() {
		l.cancelled.Store(true)
		close(l.done)
		if l.OnCancel != nil {
			l.OnCancel()
		}
	})
}

// Close cancels the stream and releases its resources.
func (l *Lifecycle) Close() error {
	l.Cancel()
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.OnClose != nil {
			err = l.OnClose()
		}
	})
	return err
}

// Cancelled reports whether Cancel or Close has been called.
func (l *Lifecycle) Cancelled() bool { return l.cancelled.Load() }

// CheckSend returns ErrClosedStream once the stream is cancelled or closed.
func (l *Lifecycle) CheckSend() error {
	if l.cancelled.Load() || l.closed.Load() {
		return ErrClosedStream
	}
	return nil
}

// SetErr records the first terminal error of the stream.
func (l *Lifecycle) SetErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

// Err returns the terminal error, if any.
func (l *Lifecycle) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}
