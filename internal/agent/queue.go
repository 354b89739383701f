package agent

import "sync"

// Frame is one unit of outbound audio. A frame with a Mark and no Payload asks
// the bridge to request a playback acknowledgement.
type Frame struct {
	Epoch   uint64
	Payload []byte
	Mark    string
}

// epochQueue is the bounded outbound buffer. Only frames of the current epoch
// are accepted or handed out; when full, the oldest frame is dropped.
type epochQueue struct {
	mu     sync.Mutex
	frames []Frame
	limit  int
	epoch  uint64
	wake   chan struct{}
	space  chan struct{}
	empty  chan struct{}
}

func newEpochQueue(limit int) *epochQueue {
	if limit <= 0 {
		limit = 250
	}
	empty := make(chan struct{})
	close(empty)
	return &epochQueue{
		limit: limit,
		wake:  make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		empty: empty,
	}
}

// push appends a frame of epoch. It reports whether the frame was accepted
// and how many old frames were dropped to make room.
func (q *epochQueue) push(f Frame) (accepted bool, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f.Epoch != q.epoch {
		return false, 0
	}
	if len(q.frames) == 0 {
		q.empty = make(chan struct{})
	}
	for len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		dropped++
	}
	q.frames = append(q.frames, f)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, dropped
}

// setEpoch makes every older frame stale and removes it.
func (q *epochQueue) setEpoch(epoch uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.epoch = epoch
	kept := q.frames[:0]
	var stale int
	for _, f := range q.frames {
		if f.Epoch == epoch {
			kept = append(kept, f)
		} else {
			stale++
		}
	}
	q.frames = kept
	q.signalEmpty()
	return stale
}

// clear drops everything buffered.
func (q *epochQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	q.signalSpace()
	q.signalEmpty()
	return n
}

// pull removes the oldest frame of the current epoch.
func (q *epochQueue) pull() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) > 0 {
		f := q.frames[0]
		q.frames[0] = Frame{}
		q.frames = q.frames[1:]
		if f.Epoch == q.epoch {
			q.signalSpace()
			q.signalEmpty()
			return f, true
		}
	}
	q.signalEmpty()
	return Frame{}, false
}

func (q *epochQueue) signalSpace() {
	select {
	case q.space <- struct{}{}:
	default:
	}
}

func (q *epochQueue) signalEmpty() {
	if len(q.frames) != 0 {
		return
	}
	select {
	case <-q.empty:
	default:
		close(q.empty)
	}
}

// drained returns a channel that is closed once the queue is empty.
func (q *epochQueue) drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.empty
}

func (q *epochQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *epochQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) >= q.limit
}

func (q *epochQueue) currentEpoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}
