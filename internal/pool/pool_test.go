package pool

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/volcano/internal/protocol"
	"github.com/MrWong99/volcano/internal/source"
	"github.com/MrWong99/volcano/internal/track"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type emitLog struct {
	mu     sync.Mutex
	frames []emitted
}

type emitted struct {
	userID string
	frame  any
}

func (l *emitLog) emit(userID string, frame any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, emitted{userID: userID, frame: frame})
}

func (l *emitLog) events(eventType string) []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []protocol.Event
	for _, e := range l.frames {
		if ev, ok := e.frame.(protocol.Event); ok && ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestPool(t *testing.T, workers int) (*Pool, *emitLog) {
	t.Helper()
	log := &emitLog{}
	p := New(Options{
		Workers: workers,
		Sources: source.NewRegistry(source.Config{Local: true},
			filepath.Join(t.TempDir(), "soundcloud.txt")),
		Emit: log.emit,

		// No voice server state is ever stored in these tests, so arms fail
		// fast on the connect threshold instead of hanging.
		ConnectTimeout: 50 * time.Millisecond,
		StuckTimeout:   100 * time.Millisecond,
	})
	t.Cleanup(p.Shutdown)
	return p, log
}

func playRaw(t *testing.T, guildID string) json.RawMessage {
	t.Helper()
	blob, err := track.Encode(track.Info{
		Identifier: "/tmp/a.ogg",
		Title:      "a.ogg",
		Author:     "unknown",
		URI:        "/tmp/a.ogg",
		SourceName: track.SourceLocal,
		IsSeekable: true,
	})
	if err != nil {
		t.Fatalf("encode track: %v", err)
	}
	raw, err := json.Marshal(protocol.Play{Op: protocol.OpPlay, GuildID: guildID, Track: blob})
	if err != nil {
		t.Fatalf("marshal play: %v", err)
	}
	return raw
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestPool_PlayCreatesSingleOwner(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 4)

	p.Play("42", "100", playRaw(t, "100"))
	p.Play("42", "100", playRaw(t, "100"))

	stats := p.Stats()
	if stats.Players != 1 {
		t.Errorf("players: got %d, want 1 (one queue per key across all workers)", stats.Players)
	}

	owners := 0
	for _, w := range p.snapshot() {
		if w.load.Load() > 0 {
			owners++
		}
	}
	if owners != 1 {
		t.Errorf("owning workers: got %d, want 1", owners)
	}
}

func TestPool_ExecuteSpreadsKeys(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)

	p.Play("42", "100", playRaw(t, "100"))
	p.Play("42", "101", playRaw(t, "101"))
	p.Play("42", "102", playRaw(t, "102"))
	p.Play("42", "103", playRaw(t, "103"))

	var loads []int64
	for _, w := range p.snapshot() {
		loads = append(loads, w.load.Load())
	}
	if loads[0] != 2 || loads[1] != 2 {
		t.Errorf("loads: got %v, want [2 2] (least-loaded placement)", loads)
	}
}

func TestPool_DeleteAll(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)

	p.Play("42", "100", playRaw(t, "100"))
	p.Play("42", "101", playRaw(t, "101"))
	p.Play("7", "200", playRaw(t, "200"))

	if n := p.DeleteAll("42"); n != 2 {
		t.Errorf("destroyed: got %d, want 2", n)
	}
	if stats := p.Stats(); stats.Players != 1 {
		t.Errorf("players after delete: got %d, want 1", stats.Players)
	}
}

func TestPool_StatsEmpty(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)
	stats := p.Stats()
	if stats.Players != 0 || stats.PlayingPlayers != 0 {
		t.Errorf("stats: got %+v, want zeros", stats)
	}
}

func TestPool_DumpRestartsWorkers(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2)
	p.Play("42", "100", playRaw(t, "100"))

	before := p.snapshot()
	p.Dump()
	after := p.snapshot()

	if before[0] == after[0] {
		t.Error("dump did not replace workers")
	}
	if stats := p.Stats(); stats.Players != 0 {
		t.Errorf("players after dump: got %d, want 0", stats.Players)
	}
}

func TestPool_ArmWithoutVoiceEmitsException(t *testing.T) {
	t.Parallel()

	p, log := newTestPool(t, 1)
	p.Play("42", "100", playRaw(t, "100"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := log.events(protocol.EventTrackException); len(evs) > 0 {
			if evs[0].GuildID != "100" {
				t.Errorf("guildId: got %q, want 100", evs[0].GuildID)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no TrackExceptionEvent after connect threshold")
}

func TestPool_UnownedUnicastIsDropped(t *testing.T) {
	t.Parallel()

	p, log := newTestPool(t, 2)
	// Stop for a key nobody owns: no panic, no events, no queue created.
	p.UnicastByKey(protocol.OpStop, "42", "999", nil)

	if stats := p.Stats(); stats.Players != 0 {
		t.Errorf("players: got %d, want 0", stats.Players)
	}
	if evs := log.events(protocol.EventTrackEnd); len(evs) != 0 {
		t.Errorf("unexpected end events: %v", evs)
	}
}
