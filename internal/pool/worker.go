package pool

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/volcano/internal/protocol"
	"github.com/MrWong99/volcano/internal/queue"
	"github.com/MrWong99/volcano/internal/track"
)

// playerUpdateInterval is the cadence of the per-worker position heartbeat.
const playerUpdateInterval = 5 * time.Second

// Key identifies a queue: one client controlling one room.
type Key struct {
	UserID  string
	GuildID string
}

// worker hosts a disjoint set of queues behind a single message loop.
// Everything the worker owns is touched only from that loop; the exported
// load counter is the one concurrently read field.
type worker struct {
	id    int
	pool  *Pool
	inbox chan func()
	done  chan struct{}

	queues map[Key]*queue.Queue

	// load mirrors len(queues) for the dispatcher's least-loaded pick.
	load atomic.Int64
}

func newWorker(id int, p *Pool) *worker {
	w := &worker{
		id:     id,
		pool:   p,
		inbox:  make(chan func(), 256),
		done:   make(chan struct{}),
		queues: make(map[Key]*queue.Queue),
	}
	go w.run()
	go w.tick()
	return w
}

// post schedules fn onto the worker loop. Posts to a terminated worker are
// dropped.
func (w *worker) post(fn func()) {
	select {
	case <-w.done:
	case w.inbox <- fn:
	}
}

// run drains the message loop. A panicking handler is logged and the loop
// restarted so one poisoned command cannot take the worker's queues down.
func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked, restarting", "worker", w.id, "panic", r)
			go w.run()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case fn := <-w.inbox:
			fn()
		}
	}
}

// tick drives the periodic playerUpdate heartbeat.
func (w *worker) tick() {
	ticker := time.NewTicker(playerUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.post(func() { w.playerUpdates(now) })
		}
	}
}

// stop terminates the loop and destroys every queue.
func (w *worker) stop() {
	w.post(func() {
		for key, q := range w.queues {
			q.Destroy()
			delete(w.queues, key)
		}
		w.load.Store(0)
		close(w.done)
	})
}

// playerUpdates emits a heartbeat for every non-paused queue.
func (w *worker) playerUpdates(now time.Time) {
	for key, q := range w.queues {
		if upd := q.PlayerUpdate(now); upd != nil {
			w.pool.emit(key.UserID, *upd)
		}
	}
}

// handle processes one routed command on the worker loop.
func (w *worker) handle(cmd Command) {
	key := Key{UserID: cmd.UserID, GuildID: cmd.GuildID}
	q, owned := w.queues[key]

	switch cmd.Op {
	case protocol.OpPlay:
		w.handlePlay(cmd, key, q, owned)
		return

	case OpStats:
		cmd.reply(Reply{Worker: w.id, Stats: w.stats()})
		return

	case OpDeleteAll:
		cmd.reply(Reply{Worker: w.id, Destroyed: w.deleteAll(cmd.UserID)})
		return
	}

	// The remaining ops act on an existing queue only. Broadcast delivery
	// means every worker sees them; non-owners acknowledge and move on.
	defer cmd.reply(Reply{Worker: w.id, Owned: owned})
	if !owned {
		return
	}

	switch cmd.Op {
	case protocol.OpStop:
		q.Stop(false)

	case protocol.OpPause:
		var p protocol.Pause
		if !decode(cmd.Raw, &p) {
			return
		}
		q.Pause(p.Pause)

	case protocol.OpDestroy:
		q.Destroy()
		w.drop(key)

	case protocol.OpSeek:
		var s protocol.Seek
		if !decode(cmd.Raw, &s) {
			return
		}
		q.Seek(s.Position)

	case protocol.OpVolume:
		var v protocol.Volume
		if !decode(cmd.Raw, &v) {
			return
		}
		q.SetVolume(v.Volume)

	case protocol.OpFilters:
		var f protocol.Filters
		if !decode(cmd.Raw, &f) {
			return
		}
		q.SetFilters(f.Settings)

	case protocol.OpFFmpeg:
		var f protocol.FFmpeg
		if !decode(cmd.Raw, &f) {
			return
		}
		q.SetRawFilters(f.Args)

	case protocol.OpVoiceUpdate:
		var vu protocol.VoiceUpdate
		if !decode(cmd.Raw, &vu) {
			return
		}
		q.VoiceServer(vu.SessionID, vu.Event)

	default:
		slog.Warn("unknown op", "worker", w.id, "op", cmd.Op)
	}
}

// handlePlay implements the ownership-discovery protocol: on broadcast a
// worker without the key answers "not mine"; the dispatcher then executes
// on the least-loaded worker, which creates the queue.
func (w *worker) handlePlay(cmd Command, key Key, q *queue.Queue, owned bool) {
	if !owned && cmd.Broadcast {
		cmd.reply(Reply{Worker: w.id, Owned: false})
		return
	}
	defer cmd.reply(Reply{Worker: w.id, Owned: true})

	var play protocol.Play
	if !decode(cmd.Raw, &play) {
		return
	}
	info, err := track.Decode(play.Track)
	if err != nil {
		slog.Warn("undecodable track blob", "worker", w.id, "guild_id", cmd.GuildID, "err", err)
		return
	}

	if !owned {
		q = w.create(key)
	}

	if play.NoReplace && q.Playing() {
		return
	}

	q.Play(info, play.Track, queue.PlayOptions{
		StartMs: play.StartTime,
		EndMs:   play.EndTime,
		Volume:  play.Volume,
		Pause:   play.Pause,
	})
}

// create builds a queue for a newly owned key and requests a voice server
// replay so the join can complete even when the voiceUpdate frame arrived
// before the queue existed.
func (w *worker) create(key Key) *queue.Queue {
	q := queue.New(key.UserID, key.GuildID, queue.Deps{
		Exec:    w.post,
		Emit:    func(frame any) { w.pool.emit(key.UserID, frame) },
		Sources: w.pool.sources,

		ConnectTimeout: w.pool.connectTimeout,
		StuckTimeout:   w.pool.stuckTimeout,
	})
	w.queues[key] = q
	w.load.Store(int64(len(w.queues)))

	if sessionID, ev, ok := w.pool.dataRequest(key.UserID, key.GuildID); ok {
		q.VoiceServer(sessionID, ev)
	}
	return q
}

// drop removes a destroyed queue from the map. Removing the last queue
// leaves the worker idle.
func (w *worker) drop(key Key) {
	delete(w.queues, key)
	w.load.Store(int64(len(w.queues)))
	if len(w.queues) == 0 {
		slog.Debug("worker idle", "worker", w.id)
	}
}

// deleteAll destroys every queue owned by userID and returns the count.
func (w *worker) deleteAll(userID string) int {
	n := 0
	for key, q := range w.queues {
		if key.UserID != userID {
			continue
		}
		q.Destroy()
		w.drop(key)
		n++
	}
	return n
}

// stats counts this worker's players.
func (w *worker) stats() StatsReply {
	s := StatsReply{Players: len(w.queues)}
	for _, q := range w.queues {
		if q.Playing() {
			s.PlayingPlayers++
		}
	}
	return s
}

// decode unmarshals a payload, logging and dropping malformed frames
// rather than disconnecting the client.
func decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("malformed payload dropped", "err", err)
		return false
	}
	return true
}
