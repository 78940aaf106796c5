package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/volcano/internal/pool"
	"github.com/MrWong99/volcano/internal/protocol"
	"github.com/MrWong99/volcano/internal/source"
	"github.com/MrWong99/volcano/internal/track"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func newTestGateway(t *testing.T, password string) (*Gateway, *httptest.Server) {
	t.Helper()

	p := pool.New(pool.Options{
		Workers: 1,
		Sources: source.NewRegistry(source.Config{Local: true},
			filepath.Join(t.TempDir(), "soundcloud.txt")),
		ConnectTimeout: 24 * time.Hour, // arms idle forever; tests drive events directly
		StuckTimeout:   24 * time.Hour,
	})
	t.Cleanup(p.Shutdown)

	g := New(Config{Password: password}, p, nil)
	p.SetEmit(g.Emit)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v (resp: %+v)", err, resp)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws, resp
}

func clientHeader(userID string) http.Header {
	h := http.Header{}
	h.Set("User-Id", userID)
	return h
}

// readFrame reads one JSON frame into a generic map.
func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func playFrame(t *testing.T, guildID string) map[string]any {
	t.Helper()
	blob, err := track.Encode(track.Info{
		Identifier: "/tmp/a.ogg", Title: "a.ogg", Author: "unknown",
		URI: "/tmp/a.ogg", SourceName: track.SourceLocal, IsSeekable: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]any{"op": "play", "guildId": guildID, "track": blob}
}

// waitPlayerMap polls until the room is bound or the deadline passes.
func waitPlayerMap(t *testing.T, g *Gateway, key pool.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		_, ok := g.playerMap[key]
		g.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("playerMap never bound")
}

// ─── upgrade ──────────────────────────────────────────────────────────────────

func TestUpgrade_RejectsBadPassword(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, "sekrit")

	h := clientHeader("42")
	h.Set("Authorization", "wrong")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: h})
	if err == nil {
		t.Fatal("dial succeeded with wrong password")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
}

func TestUpgrade_RejectsNonNumericUserID(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL(srv),
		&websocket.DialOptions{HTTPHeader: clientHeader("bob")})
	if err == nil {
		t.Fatal("dial succeeded with non-numeric User-Id")
	}
}

func TestUpgrade_HeadersAndInitialStats(t *testing.T) {
	t.Parallel()

	_, srv := newTestGateway(t, "")
	ws, resp := dial(t, srv, clientHeader("42"))

	if got := resp.Header.Get("Session-Resumed"); got != "false" {
		t.Errorf("Session-Resumed: got %q, want false", got)
	}
	if got := resp.Header.Get("Lavalink-Major-Version"); got != "3" {
		t.Errorf("Lavalink-Major-Version: got %q, want 3", got)
	}
	if got := resp.Header.Get("Is-Volcano"); got != "true" {
		t.Errorf("Is-Volcano: got %q, want true", got)
	}

	stats := readFrame(t, ws)
	if stats["op"] != "stats" {
		t.Fatalf("first frame op: got %v, want stats", stats["op"])
	}
	if stats["players"] != float64(0) || stats["playingPlayers"] != float64(0) {
		t.Errorf("fresh server stats: got players=%v playing=%v", stats["players"], stats["playingPlayers"])
	}
	cpu, ok := stats["cpu"].(map[string]any)
	if !ok || cpu["cores"].(float64) < 1 {
		t.Errorf("cpu stats malformed: %v", stats["cpu"])
	}
}

// ─── dispatch ─────────────────────────────────────────────────────────────────

func TestDispatch_PlayBindsPlayerMap(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws) // initial stats

	sendFrame(t, ws, playFrame(t, "100"))
	waitPlayerMap(t, g, pool.Key{UserID: "42", GuildID: "100"})
}

func TestDispatch_DestroyUnbindsPlayerMap(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws)

	sendFrame(t, ws, playFrame(t, "100"))
	key := pool.Key{UserID: "42", GuildID: "100"}
	waitPlayerMap(t, g, key)

	sendFrame(t, ws, map[string]any{"op": "destroy", "guildId": "100"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		_, ok := g.playerMap[key]
		g.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("destroy did not clear playerMap")
}

func TestDispatch_VoiceUpdateStoredForReplay(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws)

	sendFrame(t, ws, map[string]any{
		"op": "voiceUpdate", "guildId": "100", "sessionId": "s",
		"event": map[string]any{"token": "t", "guild_id": "100", "endpoint": "e"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ev, ok := g.DataRequest("42", "100"); ok {
			if sess != "s" || ev.Token != "t" || ev.Endpoint != "e" {
				t.Fatalf("stored state: got sess=%q ev=%+v", sess, ev)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("voice state never stored")
}

func TestDispatch_MalformedFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The connection survives: a subsequent valid frame is still processed.
	sendFrame(t, ws, map[string]any{"op": "configureResuming", "key": "k", "timeout": 5})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		conns := g.connections["42"]
		g.mu.Unlock()
		if len(conns) == 1 {
			if key, _ := conns[0].resuming(); key == "k" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("configureResuming after malformed frame never applied")
}

// ─── resume ───────────────────────────────────────────────────────────────────

func TestResume_ReplaysBufferedEventsInOrder(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws)

	sendFrame(t, ws, playFrame(t, "100"))
	key := pool.Key{UserID: "42", GuildID: "100"}
	waitPlayerMap(t, g, key)

	sendFrame(t, ws, map[string]any{"op": "configureResuming", "key": "k", "timeout": 30})
	time.Sleep(100 * time.Millisecond) // let the frame land before closing

	_ = ws.Close(websocket.StatusNormalClosure, "bye")

	// Wait for the gateway to open the resume window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		_, open := g.resumeBufs["k"]
		g.mu.Unlock()
		if open {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Events emitted during the gap are buffered.
	g.Emit("42", protocol.Event{
		Op: protocol.OpEvent, Type: protocol.EventTrackStart, GuildID: "100", Track: "b1",
	})
	g.Emit("42", protocol.PlayerUpdate{
		Op: protocol.OpPlayerUpdate, GuildID: "100",
		State: protocol.PlayerState{Position: 1234},
	})

	h := clientHeader("42")
	h.Set("Resume-Key", "k")
	ws2, resp := dial(t, srv, h)
	if got := resp.Header.Get("Session-Resumed"); got != "true" {
		t.Fatalf("Session-Resumed: got %q, want true", got)
	}

	first := readFrame(t, ws2)
	if first["op"] != "event" || first["type"] != "TrackStartEvent" {
		t.Errorf("first replayed frame: got %v", first)
	}
	second := readFrame(t, ws2)
	if second["op"] != "playerUpdate" {
		t.Errorf("second replayed frame: got %v", second)
	}
}

func TestClose_WithoutResumeKeyDestroysPlayers(t *testing.T) {
	t.Parallel()

	g, srv := newTestGateway(t, "")
	ws, _ := dial(t, srv, clientHeader("42"))
	readFrame(t, ws)

	sendFrame(t, ws, playFrame(t, "100"))
	waitPlayerMap(t, g, pool.Key{UserID: "42", GuildID: "100"})

	_ = ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		n := len(g.playerMap)
		g.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("players not cleaned up after close without resume key")
}
