// Package queue implements the per-room playback state machine. A Queue
// owns the current track, its player, the ffmpeg filter chain and the
// voice connection for one (client-id, room-id) pair. All methods must be
// called from the owning worker's message loop; asynchronous completions
// (arm results, player callbacks, voice closures) are marshalled back onto
// that loop through the exec hook.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/volcano/internal/ffmpeg"
	"github.com/MrWong99/volcano/internal/filter"
	"github.com/MrWong99/volcano/internal/player"
	"github.com/MrWong99/volcano/internal/protocol"
	"github.com/MrWong99/volcano/internal/source"
	"github.com/MrWong99/volcano/internal/track"
	"github.com/MrWong99/volcano/pkg/audio"
	"github.com/MrWong99/volcano/pkg/voice"
)

// Timeouts governing the arming phase.
const (
	// VoiceConnectThreshold bounds how long an arm waits for the voice
	// connection to reach Ready.
	VoiceConnectThreshold = 15 * time.Second

	// PlayerStuckThreshold bounds how long an armed player may take to
	// deliver its first frame.
	PlayerStuckThreshold = 10 * time.Second
)

// ArmPhase is the queue's arming state. Keeping re-arm tracking in one
// enum (instead of separate applying-filters and suppress-finish flags)
// removes the window where the two could disagree.
type ArmPhase int

const (
	// PhaseIdle: no track.
	PhaseIdle ArmPhase = iota

	// PhaseArming: first arm of a track in flight; no audio yet.
	PhaseArming

	// PhaseLive: audio flowing.
	PhaseLive

	// PhaseReArming: audio flowing from the old pipeline while a
	// replacement arm is in flight. The old stream's natural end must not
	// surface as FINISHED.
	PhaseReArming

	// PhaseDestroyed is terminal.
	PhaseDestroyed
)

// Conn is the queue's view of the voice transport; *voice.Conn is the
// production implementation.
type Conn interface {
	player.FrameWriter

	// Ready reports whether the transport can carry frames.
	Ready() bool

	// Close tears the transport down.
	Close()
}

// dialVoice adapts voice.Connect to the Conn interface.
func dialVoice(ctx context.Context, cfg voice.Config) (Conn, error) {
	c, err := voice.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Deps are the queue's collaborators, supplied by the owning worker.
type Deps struct {
	// Exec schedules fn onto the worker's message loop.
	Exec func(fn func())

	// Emit sends an outbound frame towards the owning client socket.
	Emit func(frame any)

	// Sources opens audio byte streams for descriptors.
	Sources *source.Registry

	// Dial establishes a voice connection; overridable in tests. Nil
	// selects voice.Connect.
	Dial func(ctx context.Context, cfg voice.Config) (Conn, error)

	// ConnectTimeout overrides VoiceConnectThreshold when positive.
	ConnectTimeout time.Duration

	// StuckTimeout overrides PlayerStuckThreshold when positive.
	StuckTimeout time.Duration
}

// PlayOptions carries the optional members of a play request.
type PlayOptions struct {
	StartMs int64
	EndMs   int64
	Volume  int // 0 means unset; 100 is unity
	Pause   bool
}

// armResult is posted back to the worker loop when an arm goroutine
// finishes building the pipeline.
type armResult struct {
	src    audio.FrameSource
	vol    *audio.VolumeSource
	closer io.Closer // ffmpeg process or raw stream; owned by the pipeline
	err    error
}

// Queue is the playback state machine for one room.
type Queue struct {
	clientID string
	guildID  string
	deps     Deps

	phase ArmPhase

	current *track.Info
	curBlob string
	endMs   int64

	chain  filter.Chain
	volume float64 // stored gain multiplier (1.0 == client volume 100)
	rate   float64
	seekMs int64

	paused bool

	player    *player.Player
	oldPlayer *player.Player // live pipeline during PhaseReArming

	conn      Conn
	connReady chan struct{} // closed once conn is usable
	dialGen   int           // invalidates superseded voice handshakes
	vol       *audio.VolumeSource

	// armGen invalidates stale async completions: every arm and every
	// destroy bumps it.
	armGen int

	// rearmPending notes a chain mutation that arrived while an arm was
	// already in flight; the next completion relaunches instead of going
	// live.
	rearmPending bool

	// suppressEnd drops the terminating event of an internal stop.
	suppressEnd bool

	stuckTimer *time.Timer

	// build assembles the frame pipeline for an arm; defaults to
	// buildPipeline, overridden in tests.
	build func(info track.Info, chain filter.Chain, gain float64, connReady chan struct{}) armResult
}

// New creates an idle queue for the given room key.
func New(clientID, guildID string, deps Deps) *Queue {
	if deps.Dial == nil {
		deps.Dial = dialVoice
	}
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = VoiceConnectThreshold
	}
	if deps.StuckTimeout <= 0 {
		deps.StuckTimeout = PlayerStuckThreshold
	}
	q := &Queue{
		clientID:  clientID,
		guildID:   guildID,
		deps:      deps,
		phase:     PhaseIdle,
		chain:     filter.NewChain(),
		volume:    1.0,
		rate:      1.0,
		connReady: make(chan struct{}),
	}
	q.build = q.buildPipeline
	return q
}

// Phase returns the current arm phase.
func (q *Queue) Phase() ArmPhase { return q.phase }

// Playing reports whether audio is currently flowing and not paused.
func (q *Queue) Playing() bool {
	return (q.phase == PhaseLive || q.phase == PhaseReArming) && !q.paused
}

// Paused reports the pause flag.
func (q *Queue) Paused() bool { return q.paused }

// Destroyed reports whether the queue has been torn down.
func (q *Queue) Destroyed() bool { return q.phase == PhaseDestroyed }

// ─── track lifecycle ──────────────────────────────────────────────────────────

// Play arms a new track. A currently playing track is replaced (REPLACED
// end event); the caller enforces the no-replace rule before calling.
func (q *Queue) Play(info track.Info, blob string, opts PlayOptions) {
	if q.phase == PhaseDestroyed {
		return
	}

	if q.phase == PhaseLive || q.phase == PhaseReArming {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackEnd,
			GuildID: q.guildID, Track: q.curBlob, Reason: protocol.EndReasonReplaced,
		})
		q.phase = PhaseReArming
	} else {
		q.phase = PhaseArming
	}

	q.current = &info
	q.curBlob = blob
	q.endMs = opts.EndMs
	q.paused = opts.Pause

	if opts.Volume > 0 {
		q.volume = float64(opts.Volume) / 100
	}

	// Start offset: seed the accurate-seek prefix once.
	q.chain.SeekMS = -1
	q.seekMs = 0
	if opts.StartMs > 0 {
		q.chain.SeekMS = opts.StartMs
		q.seekMs = opts.StartMs
	}

	q.startArm(true)
}

// Stop ends playback. Internal stops suppress the STOPPED event.
func (q *Queue) Stop(internal bool) {
	if q.phase == PhaseIdle || q.phase == PhaseDestroyed {
		return
	}
	q.teardownPlayback()
	if !internal && !q.suppressEnd {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackEnd,
			GuildID: q.guildID, Track: q.curBlob, Reason: protocol.EndReasonStopped,
		})
	}
	q.clearTrack()
}

// Pause toggles playback without tearing the pipeline down.
func (q *Queue) Pause(paused bool) {
	if q.phase == PhaseDestroyed {
		return
	}
	q.paused = paused
	if q.player != nil {
		q.player.Pause(paused)
	}
}

// Destroy stops playback, closes the voice connection and marks the queue
// terminal. Idempotent.
func (q *Queue) Destroy() {
	if q.phase == PhaseDestroyed {
		return
	}
	q.suppressEnd = true
	q.teardownPlayback()
	q.clearTrack()
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
	q.phase = PhaseDestroyed
	q.armGen++
}

// ─── pipeline mutation (seek / volume / filters) ──────────────────────────────

// Seek re-arms at the given position. Positions beyond the track length
// clamp to the length so the player transitions straight to end.
func (q *Queue) Seek(positionMs int64) {
	if q.current == nil || q.phase == PhaseDestroyed {
		return
	}
	if q.current.Length > 0 && positionMs > q.current.Length {
		positionMs = q.current.Length
	}
	if positionMs < 0 {
		positionMs = 0
	}
	q.chain.SeekMS = positionMs
	q.seekMs = positionMs
	q.rearm()
}

// SetVolume applies an inline volume immediately and stores it for the
// next arm. The unit is the client scale where 100 is unity.
func (q *Queue) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	q.volume = float64(v) / 100
	if q.vol != nil {
		q.vol.SetGain(q.volume)
	}
}

// SetFilters replaces the structured filter settings, preserving an active
// seek, and re-arms.
func (q *Queue) SetFilters(s filter.Settings) {
	if q.phase == PhaseDestroyed {
		return
	}
	q.chain.Settings = s
	q.chain.Raw = nil
	q.rate = q.chain.Rate()
	q.rearm()
}

// SetRawFilters replaces the chain with a verbatim ffmpeg argument
// sequence and re-arms.
func (q *Queue) SetRawFilters(args []string) {
	if q.phase == PhaseDestroyed {
		return
	}
	q.chain.Raw = args
	q.rate = 1.0
	q.rearm()
}

// rearm restarts the codec pipeline in place. With no live track the
// mutated chain simply applies on the next arm. If an arm is already in
// flight only the chain mutates; the completion handler relaunches with
// the latest configuration.
func (q *Queue) rearm() {
	switch q.phase {
	case PhaseIdle, PhaseDestroyed:
		return
	case PhaseArming, PhaseReArming:
		q.rearmPending = true
		return
	}
	q.phase = PhaseReArming
	q.startArm(false)
}

// ─── voice server handshake ───────────────────────────────────────────────────

// VoiceServer (re)establishes the voice connection from a stored voice
// server state. The blocking handshake runs off-loop.
func (q *Queue) VoiceServer(sessionID string, ev protocol.VoiceServerEvent) {
	if q.phase == PhaseDestroyed {
		return
	}
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
		q.connReady = make(chan struct{})
	}

	cfg := voice.Config{
		GuildID:   q.guildID,
		UserID:    q.clientID,
		SessionID: sessionID,
		Token:     ev.Token,
		Endpoint:  ev.Endpoint,
		OnClosed: func(code int, reason string, byRemote bool) {
			q.deps.Exec(func() {
				q.emitEvent(protocol.Event{
					Op: protocol.OpEvent, Type: protocol.EventWebSocketClosed,
					GuildID: q.guildID, Code: code, Reason: reason, ByRemote: byRemote,
				})
			})
		},
	}

	q.dialGen++
	gen := q.dialGen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.deps.ConnectTimeout)
		defer cancel()
		conn, err := q.deps.Dial(ctx, cfg)
		q.deps.Exec(func() {
			// A newer voice server state supersedes this handshake.
			if q.phase == PhaseDestroyed || gen != q.dialGen {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				slog.Warn("voice connect failed", "guild_id", q.guildID, "err", err)
				q.emitEvent(protocol.Event{
					Op: protocol.OpEvent, Type: protocol.EventWebSocketClosed,
					GuildID: q.guildID, Code: 4000, Reason: voice.CloseReason(4000), ByRemote: false,
				})
				return
			}
			q.conn = conn
			close(q.connReady)
		})
	}()
}

// Connected reports whether the voice transport is ready.
func (q *Queue) Connected() bool {
	return q.conn != nil && q.conn.Ready()
}

// ─── position ─────────────────────────────────────────────────────────────────

// Position returns the reported playback position in milliseconds:
// floor((playerDuration + seekTime) * rate).
func (q *Queue) Position() int64 {
	var dur int64
	if q.player != nil {
		dur = q.player.DurationMs()
	}
	return int64(float64(dur+q.seekMs) * q.rate)
}

// PlayerUpdate builds the periodic heartbeat frame, checking the end-ms
// bound as a side effect. Returns nil when no update should be sent.
func (q *Queue) PlayerUpdate(now time.Time) *protocol.PlayerUpdate {
	if q.phase == PhaseDestroyed || q.paused {
		return nil
	}

	pos := q.Position()
	if q.endMs > 0 && pos >= q.endMs && (q.phase == PhaseLive || q.phase == PhaseReArming) {
		q.suppressEnd = true
		q.teardownPlayback()
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackEnd,
			GuildID: q.guildID, Track: q.curBlob, Reason: protocol.EndReasonFinished,
		})
		q.clearTrack()
		return nil
	}

	return &protocol.PlayerUpdate{
		Op:      protocol.OpPlayerUpdate,
		GuildID: q.guildID,
		State: protocol.PlayerState{
			Time:      now.UnixMilli(),
			Position:  pos,
			Connected: q.Connected(),
		},
	}
}

// ─── arming ───────────────────────────────────────────────────────────────────

// startArm launches the codec pipeline build for the current track. The
// heavy work (source fetch, probe, ffmpeg spawn) happens off-loop; only
// the completion mutates queue state.
func (q *Queue) startArm(freshTrack bool) {
	q.armGen++
	gen := q.armGen
	q.rearmPending = false

	info := *q.current
	chain := q.chain
	gain := q.volume
	connReady := q.connReady

	build := q.build
	go func() {
		res := build(info, chain, gain, connReady)
		q.deps.Exec(func() { q.finishArm(gen, freshTrack, res) })
	}()
}

// buildPipeline resolves the source and assembles the frame pipeline. Runs
// off the worker loop.
func (q *Queue) buildPipeline(info track.Info, chain filter.Chain, gain float64, connReady chan struct{}) armResult {
	select {
	case <-connReady:
	case <-time.After(q.deps.ConnectTimeout):
		return armResult{err: fmt.Errorf("queue: voice connection not ready within %s", q.deps.ConnectTimeout)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stream, err := q.deps.Sources.Open(ctx, info)
	cancel()
	if err != nil {
		return armResult{err: err}
	}

	// Without filters or a start offset, an Ogg container feeds the player
	// directly; everything else transcodes.
	if chain.Empty() {
		isOgg, replay, err := audio.Probe(stream)
		if err != nil {
			stream.Close()
			return armResult{err: fmt.Errorf("queue: probe source: %w", err)}
		}
		if isOgg {
			src := audio.NewOggSource(readCloser{replay, stream})
			vol := audio.NewVolumeSource(src, gain)
			return armResult{src: vol, vol: vol, closer: stream}
		}
		stream = readCloser{replay, stream}
	}

	proc, err := ffmpeg.Start(stream, chain)
	if err != nil {
		stream.Close()
		return armResult{err: err}
	}
	src := audio.NewOggSource(proc.Stdout)
	vol := audio.NewVolumeSource(src, gain)
	return armResult{src: vol, vol: vol, closer: proc}
}

// finishArm applies a completed arm on the worker loop.
func (q *Queue) finishArm(gen int, freshTrack bool, res armResult) {
	if gen != q.armGen || q.phase == PhaseDestroyed {
		if res.closer != nil {
			res.closer.Close()
		}
		return
	}

	if res.err != nil {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackException,
			GuildID: q.guildID, Track: q.curBlob,
			Error:     res.err.Error(),
			Exception: exceptionFor(res.err),
		})
		q.teardownPlayback()
		q.clearTrack()
		return
	}

	// A chain mutation raced this arm, or the voice connection is mid
	// re-handshake: relaunch instead of going live on a stale argv or a
	// missing transport.
	if q.rearmPending || q.conn == nil {
		res.closer.Close()
		q.startArm(freshTrack)
		return
	}

	newPlayer := player.New(res.src, q.conn, player.Events{
		OnPlaying: func() {
			q.deps.Exec(func() { q.onPlaying(gen, freshTrack) })
		},
		OnFinished: func(err error) {
			q.deps.Exec(func() { q.onFinished(gen, err) })
		},
	})

	if q.phase == PhaseReArming {
		q.oldPlayer = q.player
	}
	q.player = newPlayer
	q.vol = res.vol
	newPlayer.Pause(q.paused)
	newPlayer.Start()

	q.armStuckTimer(gen)
}

// armStuckTimer enforces the player-stuck threshold for one arm.
func (q *Queue) armStuckTimer(gen int) {
	if q.stuckTimer != nil {
		q.stuckTimer.Stop()
	}
	q.stuckTimer = time.AfterFunc(q.deps.StuckTimeout, func() {
		q.deps.Exec(func() { q.onStuck(gen) })
	})
}

// onPlaying promotes an arm to the live pipeline: the superseded stream is
// torn down only now, so audio never gaps during a re-arm.
func (q *Queue) onPlaying(gen int, freshTrack bool) {
	if gen != q.armGen || q.phase == PhaseDestroyed {
		return
	}
	if q.stuckTimer != nil {
		q.stuckTimer.Stop()
		q.stuckTimer = nil
	}
	if q.oldPlayer != nil {
		q.oldPlayer.Stop()
		q.oldPlayer = nil
	}

	wasArming := q.phase == PhaseArming
	q.phase = PhaseLive
	q.suppressEnd = false

	if wasArming || freshTrack {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackStart,
			GuildID: q.guildID, Track: q.curBlob,
		})
	}
}

// onFinished handles the live player draining or failing.
func (q *Queue) onFinished(gen int, err error) {
	if q.phase == PhaseDestroyed {
		return
	}

	// The old pipeline of a re-arm ending is expected and silent.
	if gen != q.armGen {
		return
	}

	if err != nil {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackException,
			GuildID: q.guildID, Track: q.curBlob,
			Error:     err.Error(),
			Exception: exceptionFor(err),
		})
		q.teardownPlayback()
		q.clearTrack()
		return
	}

	if q.phase == PhaseReArming || q.suppressEnd {
		// Natural end of a stream that is being replaced: swallowed.
		return
	}

	q.teardownPlayback()
	q.emitEvent(protocol.Event{
		Op: protocol.OpEvent, Type: protocol.EventTrackEnd,
		GuildID: q.guildID, Track: q.curBlob, Reason: protocol.EndReasonFinished,
	})
	q.clearTrack()
}

// onStuck fires when an arm failed to produce audio within the threshold.
func (q *Queue) onStuck(gen int) {
	if gen != q.armGen || q.phase == PhaseLive || q.phase == PhaseDestroyed {
		return
	}
	q.emitEvent(protocol.Event{
		Op: protocol.OpEvent, Type: protocol.EventTrackStuck,
		GuildID: q.guildID, Track: q.curBlob,
		ThresholdMs: q.deps.StuckTimeout.Milliseconds(),
	})
	q.teardownPlayback()
	if !q.suppressEnd {
		q.emitEvent(protocol.Event{
			Op: protocol.OpEvent, Type: protocol.EventTrackEnd,
			GuildID: q.guildID, Track: q.curBlob, Reason: protocol.EndReasonStopped,
		})
	}
	q.clearTrack()
}

// ─── internals ────────────────────────────────────────────────────────────────

// teardownPlayback stops players and invalidates in-flight arms. The voice
// connection stays up.
func (q *Queue) teardownPlayback() {
	q.armGen++
	if q.stuckTimer != nil {
		q.stuckTimer.Stop()
		q.stuckTimer = nil
	}
	if q.oldPlayer != nil {
		q.oldPlayer.Stop()
		q.oldPlayer = nil
	}
	if q.player != nil {
		q.player.Stop()
		q.player = nil
	}
	q.vol = nil
}

// clearTrack resets per-track state and returns to idle.
func (q *Queue) clearTrack() {
	if q.phase != PhaseDestroyed {
		q.phase = PhaseIdle
	}
	q.current = nil
	q.curBlob = ""
	q.endMs = 0
	q.seekMs = 0
	q.chain.SeekMS = -1
	q.suppressEnd = false
	q.rearmPending = false
}

// emitEvent forwards a frame to the owning client socket.
func (q *Queue) emitEvent(ev protocol.Event) {
	q.deps.Emit(ev)
}

// exceptionFor classifies an error into the wire exception shape.
func exceptionFor(err error) *protocol.Exception {
	severity := protocol.SeverityFault
	var disabled *source.DisabledError
	if errors.As(err, &disabled) || errors.Is(err, source.ErrNoMatches) {
		severity = protocol.SeverityCommon
	}
	return &protocol.Exception{
		Message:  err.Error(),
		Severity: severity,
		Cause:    fmt.Sprintf("%T", errors.Unwrap(err)),
	}
}

// readCloser pairs a replay reader with the closer of the stream it
// buffers.
type readCloser struct {
	io.Reader
	io.Closer
}
