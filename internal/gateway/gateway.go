// Package gateway implements the client-facing websocket control channel:
// upgrade authentication, inbound op dispatch into the worker pool, event
// routing back to the owning socket, resume buffering across reconnects,
// and the periodic server-wide stats broadcast.
//
// All shared state (connections, playerMap, voice server states, resume
// buffers) lives behind one mutex inside the Gateway struct; nothing is
// package-level.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/volcano/internal/observe"
	"github.com/MrWong99/volcano/internal/pool"
	"github.com/MrWong99/volcano/internal/protocol"
)

// Defaults for the periodic machinery.
const (
	defaultStatsInterval = 60 * time.Second
	defaultPingInterval  = 60 * time.Second
	defaultResumeTimeout = 60 * time.Second

	// voiceStateTTL is how long a stored voice server state stays
	// replayable.
	voiceStateTTL = 20 * time.Second
)

// Config configures the gateway.
type Config struct {
	// Password guards the upgrade handshake; empty disables auth.
	Password string

	// StatsInterval, PingInterval and ResumeTimeout override the defaults
	// when positive. Tests shrink them.
	StatsInterval time.Duration
	PingInterval  time.Duration
	ResumeTimeout time.Duration
}

// voiceState is a stored voiceUpdate, auto-expired after voiceStateTTL.
type voiceState struct {
	sessionID string
	event     protocol.VoiceServerEvent
	timer     *time.Timer
}

// resumeBuffer holds the outbound frames of a disconnected client until it
// resumes or the window expires.
type resumeBuffer struct {
	userID  string
	oldConn *connection
	timer   *time.Timer
	events  [][]byte
}

// Gateway is the websocket control server.
type Gateway struct {
	cfg     Config
	pool    *pool.Pool
	metrics *observe.Metrics
	started time.Time

	mu          sync.Mutex
	connections map[string][]*connection // userID → open sockets
	playerMap   map[pool.Key]*connection // room → event sink
	voiceStates map[pool.Key]*voiceState // room → replayable handshake
	resumeBufs  map[string]*resumeBuffer // resume key → buffered frames
}

// New creates a gateway over the given pool. It installs itself as the
// pool's emit sink and voice-state data source.
func New(cfg Config, p *pool.Pool, metrics *observe.Metrics) *Gateway {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = defaultResumeTimeout
	}

	g := &Gateway{
		cfg:         cfg,
		pool:        p,
		metrics:     metrics,
		started:     time.Now(),
		connections: make(map[string][]*connection),
		playerMap:   make(map[pool.Key]*connection),
		voiceStates: make(map[pool.Key]*voiceState),
		resumeBufs:  make(map[string]*resumeBuffer),
	}
	p.SetEmit(g.Emit)
	p.SetDataRequest(g.DataRequest)
	return g
}

// Run broadcasts the stats frame to every client until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.broadcastStats(ctx)
		}
	}
}

// broadcastStats sends the current stats frame to all connections.
func (g *Gateway) broadcastStats(ctx context.Context) {
	frame, stats := g.statsFrame()
	g.metrics.RecordPlayers(ctx, stats.Players, stats.PlayingPlayers)

	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	g.mu.Lock()
	var conns []*connection
	for _, list := range g.connections {
		conns = append(conns, list...)
	}
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.send(raw)
	}
}

// ─── upgrade handshake ────────────────────────────────────────────────────────

// ServeHTTP upgrades a client control connection. Authentication failures
// answer with a raw 401 and close.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Password != "" && r.Header.Get("Authorization") != g.cfg.Password {
		writeRaw401(w)
		return
	}
	userID := r.Header.Get("User-Id")
	if _, err := strconv.ParseUint(userID, 10, 64); err != nil {
		writeRaw401(w)
		return
	}

	resumeKey := r.Header.Get("Resume-Key")
	g.mu.Lock()
	buf, resumed := g.resumeBufs[resumeKey]
	if resumed {
		// Claim the window before the timer can fire.
		buf.timer.Stop()
		delete(g.resumeBufs, resumeKey)
	}
	g.mu.Unlock()

	w.Header().Set("Session-Resumed", strconv.FormatBool(resumed))
	w.Header().Set("Lavalink-Major-Version", "3")
	w.Header().Set("Is-Volcano", "true")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("websocket accept failed", "user_id", userID, "err", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	conn := newConnection(userID, ws)
	g.metrics.AddConnections(r.Context(), 1)
	slog.Info("client connected",
		"user_id", userID, "connection", conn.id, "resumed", resumed)

	g.mu.Lock()
	g.connections[userID] = append(g.connections[userID], conn)
	if resumed {
		// Rebind the rooms that pointed at the dead socket, then replay the
		// buffered frames in order before anything else can be sent.
		for key, c := range g.playerMap {
			if c == buf.oldConn {
				g.playerMap[key] = conn
			}
		}
		for _, frame := range buf.events {
			_ = conn.send(frame)
		}
		key, timeout := buf.oldConn.resuming()
		conn.configureResuming(key, timeout)
	}
	g.mu.Unlock()

	g.sendInitialStats(conn)

	go conn.keepalive(g.cfg.PingInterval)
	g.readLoop(conn)
}

// writeRaw401 answers an unauthenticated upgrade with a bare status line,
// bypassing the server's normal response plumbing.
func writeRaw401(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, _ = netConn.Write([]byte("HTTP/1.1 401 Unauthorized\r\n\r\n"))
	_ = netConn.Close()
}

// sendInitialStats pushes one stats frame to a fresh connection.
func (g *Gateway) sendInitialStats(c *connection) {
	frame, _ := g.statsFrame()
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.send(raw)
}

// ─── inbound dispatch ─────────────────────────────────────────────────────────

// readLoop consumes control frames until the socket dies, then runs the
// disconnect path.
func (g *Gateway) readLoop(conn *connection) {
	defer g.handleClose(conn)

	for {
		_, raw, err := conn.ws.Read(context.Background())
		if err != nil {
			return
		}
		g.dispatch(conn, raw)
	}
}

// dispatch routes one inbound frame. Malformed payloads are logged and
// dropped without disconnecting the client.
func (g *Gateway) dispatch(conn *connection, raw []byte) {
	var frame protocol.Inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("malformed frame dropped", "user_id", conn.userID, "err", err)
		return
	}
	g.metrics.RecordCommand(context.Background(), frame.Op)

	key := pool.Key{UserID: conn.userID, GuildID: frame.GuildID}

	switch frame.Op {
	case protocol.OpPlay:
		if frame.GuildID == "" {
			slog.Warn("play without guildId dropped", "user_id", conn.userID)
			return
		}
		g.mu.Lock()
		g.playerMap[key] = conn
		g.mu.Unlock()
		g.pool.Play(conn.userID, frame.GuildID, raw)

	case protocol.OpVoiceUpdate:
		var vu protocol.VoiceUpdate
		if err := json.Unmarshal(raw, &vu); err != nil {
			slog.Warn("malformed voiceUpdate dropped", "user_id", conn.userID, "err", err)
			return
		}
		g.storeVoiceState(key, vu)
		g.pool.UnicastByKey(protocol.OpVoiceUpdate, conn.userID, frame.GuildID, raw)

	case protocol.OpStop, protocol.OpPause, protocol.OpSeek,
		protocol.OpVolume, protocol.OpFilters, protocol.OpFFmpeg:
		g.pool.UnicastByKey(frame.Op, conn.userID, frame.GuildID, raw)

	case protocol.OpDestroy:
		g.pool.UnicastByKey(protocol.OpDestroy, conn.userID, frame.GuildID, raw)
		g.mu.Lock()
		delete(g.playerMap, key)
		g.mu.Unlock()

	case protocol.OpConfigureResuming:
		var cr protocol.ConfigureResuming
		if err := json.Unmarshal(raw, &cr); err != nil {
			slog.Warn("malformed configureResuming dropped", "user_id", conn.userID, "err", err)
			return
		}
		timeout := time.Duration(cr.Timeout) * time.Second
		if timeout <= 0 {
			timeout = g.cfg.ResumeTimeout
		}
		conn.configureResuming(cr.Key, timeout)

	case protocol.OpDump:
		g.pool.Dump()

	default:
		slog.Warn("unknown op dropped", "user_id", conn.userID, "op", frame.Op)
	}
}

// storeVoiceState keeps a voiceUpdate replayable for voiceStateTTL.
func (g *Gateway) storeVoiceState(key pool.Key, vu protocol.VoiceUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.voiceStates[key]; ok {
		prev.timer.Stop()
	}
	vs := &voiceState{sessionID: vu.SessionID, event: vu.Event}
	vs.timer = time.AfterFunc(voiceStateTTL, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.voiceStates[key] == vs {
			delete(g.voiceStates, key)
		}
	})
	g.voiceStates[key] = vs
}

// DataRequest replays the stored voice server state for a key; wired as
// the pool's upcall.
func (g *Gateway) DataRequest(userID, guildID string) (string, protocol.VoiceServerEvent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs, ok := g.voiceStates[pool.Key{UserID: userID, GuildID: guildID}]
	if !ok {
		return "", protocol.VoiceServerEvent{}, false
	}
	return vs.sessionID, vs.event, true
}

// ─── outbound routing ─────────────────────────────────────────────────────────

// Emit routes a worker-originated frame to the socket owning its room,
// buffering it when that socket is inside an active resume window.
func (g *Gateway) Emit(userID string, frame any) {
	guildID, eventType, endOfTrack := frameMeta(frame)
	if eventType != "" {
		g.metrics.RecordEvent(context.Background(), eventType)
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		slog.Error("unmarshallable outbound frame", "err", err)
		return
	}

	key := pool.Key{UserID: userID, GuildID: guildID}

	g.mu.Lock()
	conn, ok := g.playerMap[key]
	if !ok {
		g.mu.Unlock()
		slog.Debug("no socket for room, frame dropped",
			"user_id", userID, "guild_id", guildID)
		return
	}

	if conn.isClosed() {
		if rkey, _ := conn.resuming(); rkey != "" {
			if buf, active := g.resumeBufs[rkey]; active {
				buf.events = append(buf.events, raw)
				g.mu.Unlock()
				return
			}
		}
		g.mu.Unlock()
		return
	}

	// A finished track releases its room binding; the next play rebinds.
	if endOfTrack {
		delete(g.playerMap, key)
	}
	g.mu.Unlock()

	_ = conn.send(raw)
}

// frameMeta extracts routing metadata from an outbound frame.
func frameMeta(frame any) (guildID, eventType string, endOfTrack bool) {
	switch f := frame.(type) {
	case protocol.PlayerUpdate:
		return f.GuildID, "", false
	case protocol.Event:
		return f.GuildID, f.Type, f.Type == protocol.EventTrackEnd
	default:
		return "", "", false
	}
}

// ─── disconnect handling ──────────────────────────────────────────────────────

// handleClose removes a dead socket. With a resume key configured the
// client's players survive for the resume window; otherwise they are
// destroyed immediately.
func (g *Gateway) handleClose(conn *connection) {
	conn.close(websocket.StatusNormalClosure, "")
	g.metrics.AddConnections(context.Background(), -1)

	g.mu.Lock()
	list := g.connections[conn.userID]
	for i, c := range list {
		if c == conn {
			g.connections[conn.userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.connections[conn.userID]) == 0 {
		delete(g.connections, conn.userID)
	}

	rkey, timeout := conn.resuming()
	if rkey != "" {
		buf := &resumeBuffer{userID: conn.userID, oldConn: conn}
		buf.timer = time.AfterFunc(timeout, func() { g.expireResume(rkey, buf) })
		g.resumeBufs[rkey] = buf
		g.mu.Unlock()
		slog.Info("client disconnected, resume window open",
			"user_id", conn.userID, "resume_key", rkey, "timeout", timeout)
		return
	}
	g.mu.Unlock()

	slog.Info("client disconnected", "user_id", conn.userID, "connection", conn.id)
	g.cleanupUser(conn.userID, conn)
}

// expireResume fires when a resume window lapses unclaimed.
func (g *Gateway) expireResume(key string, buf *resumeBuffer) {
	g.mu.Lock()
	if g.resumeBufs[key] != buf {
		g.mu.Unlock()
		return
	}
	delete(g.resumeBufs, key)
	g.mu.Unlock()

	slog.Info("resume window expired", "user_id", buf.userID, "resume_key", key)
	g.cleanupUser(buf.userID, buf.oldConn)
}

// cleanupUser destroys every player the user owns and unbinds their rooms.
func (g *Gateway) cleanupUser(userID string, dead *connection) {
	g.mu.Lock()
	for key, c := range g.playerMap {
		if key.UserID == userID && c == dead {
			delete(g.playerMap, key)
		}
	}
	g.mu.Unlock()

	n := g.pool.DeleteAll(userID)
	if n > 0 {
		slog.Info("destroyed players for departed client", "user_id", userID, "count", n)
	}
}
