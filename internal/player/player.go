// Package player drives a single armed audio resource: it paces Opus
// frames from a [audio.FrameSource] into the voice transport at the 20 ms
// frame cadence and reports lifecycle transitions to its owner. A player
// plays exactly one resource and is discarded afterwards; the queue above
// it creates a fresh player on every (re-)arm.
package player

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/volcano/pkg/audio"
)

// FrameWriter is the transport sink for paced frames. *voice.Conn is the
// production implementation.
type FrameWriter interface {
	// WriteFrame ships one sealed Opus frame.
	WriteFrame(frame []byte) error

	// WriteSilence flushes the remote jitter buffer when the stream stops.
	WriteSilence()
}

// Status is the player's lifecycle state.
type Status int32

const (
	// StatusBuffering covers the window between Start and the first frame.
	StatusBuffering Status = iota

	// StatusPlaying means frames are flowing to the transport.
	StatusPlaying

	// StatusPaused means playback is suspended but resumable.
	StatusPaused

	// StatusStopped is terminal.
	StatusStopped
)

// Events receives lifecycle notifications. Callbacks fire from the player's
// pacing goroutine; receivers must hand off to their own loop rather than
// block.
type Events struct {
	// OnPlaying fires once, when the first frame has been sent.
	OnPlaying func()

	// OnFinished fires once when the stream ends: err is nil on natural
	// end of stream and non-nil on a decode or transport failure. It does
	// not fire after Stop.
	OnFinished func(err error)
}

// Player paces one frame source into one voice connection.
type Player struct {
	src    audio.FrameSource
	conn   FrameWriter
	events Events

	status     atomic.Int32
	paused     atomic.Bool
	durationMs atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a player over src writing to conn. Call Start to begin.
func New(src audio.FrameSource, conn FrameWriter, events Events) *Player {
	return &Player{
		src:    src,
		conn:   conn,
		events: events,
		stop:   make(chan struct{}),
	}
}

// Start launches the pacing loop.
func (p *Player) Start() {
	go p.loop()
}

// Status returns the current lifecycle state.
func (p *Player) Status() Status {
	return Status(p.status.Load())
}

// Pause suspends or resumes frame delivery. While paused the playback
// duration does not advance.
func (p *Player) Pause(paused bool) {
	p.paused.Store(paused)
	if p.Status() == StatusPlaying && paused {
		p.status.Store(int32(StatusPaused))
	} else if p.Status() == StatusPaused && !paused {
		p.status.Store(int32(StatusPlaying))
	}
}

// DurationMs returns how much audio has been delivered, in milliseconds.
// It excludes paused time and is the basis for position reporting.
func (p *Player) DurationMs() int64 {
	return p.durationMs.Load()
}

// Stop terminates the loop without firing OnFinished. Idempotent. The
// frame source is closed; the voice connection is left to the owner.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// loop reads and ships one frame per 20 ms tick until the source drains,
// an error occurs, or Stop is called.
func (p *Player) loop() {
	defer p.src.Close()

	ticker := time.NewTicker(audio.FrameSizeMs * time.Millisecond)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-p.stop:
			p.status.Store(int32(StatusStopped))
			p.conn.WriteSilence()
			return
		case <-ticker.C:
		}

		if p.paused.Load() {
			continue
		}

		frame, err := p.src.ReadFrame()
		if err != nil {
			p.status.Store(int32(StatusStopped))
			p.conn.WriteSilence()
			if errors.Is(err, io.EOF) {
				err = nil
			}
			p.finish(err)
			return
		}

		if err := p.conn.WriteFrame(frame); err != nil {
			p.status.Store(int32(StatusStopped))
			p.finish(err)
			return
		}

		p.durationMs.Add(audio.FrameSizeMs)
		if !started {
			started = true
			p.status.Store(int32(StatusPlaying))
			if p.events.OnPlaying != nil {
				p.events.OnPlaying()
			}
		}
	}
}

// finish fires OnFinished unless Stop won the race.
func (p *Player) finish(err error) {
	select {
	case <-p.stop:
		return
	default:
	}
	if p.events.OnFinished != nil {
		p.events.OnFinished(err)
	}
}
