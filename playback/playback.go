// Package playback schedules synthesized audio clips so exactly one
// plays at a time, in arrival order, with a fixed pacing gap between
// clips.
package playback

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Gap is the silence inserted between consecutive clips.
const Gap = 200 * time.Millisecond

// Buffer is decoded audio ready to play.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Player is the audio output sink. Play must call done exactly once
// when the buffer finishes; Halt stops any in-progress playback without
// calling done.
type Player interface {
	Play(buf Buffer, done func())
	Halt()
}

type task struct {
	buf Buffer
	id  string
}

// Queue is an ordered single-consumer audio scheduler. Enqueue is
// non-blocking; playback order always matches enqueue order and no two
// buffers overlap.
type Queue struct {
	mu      sync.Mutex
	player  Player
	tasks   []task
	playing bool
	gap     time.Duration
	timer   *time.Timer
	gen     uint64 // Bumped by Clear so stale callbacks become no-ops
	nextID  uint64
}

// NewQueue creates a queue over the given player.
func NewQueue(player Player) *Queue {
	return &Queue{player: player, gap: Gap}
}

// Enqueue appends a buffer to the tail and starts playback if idle.
// It never waits for prior audio to finish.
func (q *Queue) Enqueue(buf Buffer) {
	q.mu.Lock()
	q.nextID++
	q.tasks = append(q.tasks, task{buf: buf, id: strconv.FormatUint(q.nextID, 10)})
	q.mu.Unlock()

	q.process()
}

// Len returns the number of pending tasks, excluding the one playing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// IsPlaying reports whether a buffer is currently active.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Clear discards all pending tasks and halts any in-progress playback
// immediately. A subsequent Enqueue starts fresh from idle.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tasks = nil
	q.playing = false
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	q.player.Halt()
	slog.Debug("playback queue cleared")
}

// process starts the next task if the queue is idle and non-empty.
func (q *Queue) process() {
	q.mu.Lock()
	if q.playing || len(q.tasks) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.playing = true
	gen := q.gen
	q.mu.Unlock()

	q.player.Play(next.buf, func() {
		q.mu.Lock()
		if q.gen != gen {
			// Cleared while playing; drop the callback.
			q.mu.Unlock()
			return
		}
		q.playing = false
		// Pacing pause before the next clip.
		q.timer = time.AfterFunc(q.gap, func() {
			q.mu.Lock()
			stale := q.gen != gen
			q.mu.Unlock()
			if !stale {
				q.process()
			}
		})
		q.mu.Unlock()
	})
}
