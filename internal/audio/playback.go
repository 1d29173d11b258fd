package audio

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// DefaultChunkBytes is 20ms of PCM16 mono at 24kHz.
const DefaultChunkBytes = 960

// PlaybackQueue feeds queued frames to a sink in order. Clear discards every
// queued frame and stops the frame in flight at the next chunk boundary.
type PlaybackQueue struct {
	sink   io.Writer
	chunk  int
	logger *zap.Logger

	mu         sync.Mutex
	frames     [][]byte
	generation uint64
	closed     bool

	wake chan struct{}
	done chan struct{}
}

// NewPlaybackQueue starts the playback worker.
func NewPlaybackQueue(sink io.Writer, chunkBytes int, logger *zap.Logger) *PlaybackQueue {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &PlaybackQueue{
		sink:   sink,
		chunk:  chunkBytes,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a copy of pcm.
func (q *PlaybackQueue) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	frame := acquireFrame(len(pcm))
	copy(frame, pcm)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		releaseFrame(frame)
		return
	}
	q.frames = append(q.frames, frame)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Clear drops all queued audio and returns the number of dropped frames.
func (q *PlaybackQueue) Clear() int {
	q.mu.Lock()
	dropped := q.frames
	q.frames = nil
	q.generation++
	q.mu.Unlock()
	releaseFrames(dropped)
	return len(dropped)
}

// Len returns the number of frames waiting to be played.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops the worker after the chunk in flight.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.frames
	q.frames = nil
	q.generation++
	close(q.wake)
	q.mu.Unlock()
	<-q.done
	releaseFrames(dropped)
}

func (q *PlaybackQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			frame, generation, ok := q.pop()
			if !ok {
				break
			}
			q.play(frame, generation)
			releaseFrame(frame)
		}
	}
}

func (q *PlaybackQueue) pop() ([]byte, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) == 0 {
		return nil, 0, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, q.generation, true
}

func (q *PlaybackQueue) current(generation uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && q.generation == generation
}

func (q *PlaybackQueue) play(frame []byte, generation uint64) {
	for offset := 0; offset < len(frame); offset += q.chunk {
		if !q.current(generation) {
			return
		}
		end := min(offset+q.chunk, len(frame))
		if _, err := q.sink.Write(frame[offset:end]); err != nil {
			q.logger.Warn("playback write failed", zap.Error(err))
			return
		}
	}
}
