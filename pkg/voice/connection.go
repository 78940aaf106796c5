// Package voice maintains the secure UDP voice connection to the chat
// platform. It speaks the platform's voice gateway protocol over a
// websocket control channel, performs UDP IP discovery, and ships Opus
// frames as xsalsa20-poly1305 sealed RTP packets. The cryptography comes
// from golang.org/x/crypto; this package never implements its own.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/volcano/pkg/audio"
)

// State describes the transport lifecycle.
type State int

const (
	// StateConnecting covers the gateway handshake and UDP discovery.
	StateConnecting State = iota

	// StateReady means the session key is established and frames flow.
	StateReady

	// StateDead is terminal; a dead connection is never reused.
	StateDead
)

// String returns a short label for logging.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config identifies the voice session to establish. All fields come from
// the client's voiceUpdate control frame.
type Config struct {
	GuildID   string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string

	// OnClosed is invoked once when the websocket closes, with the close
	// code, its mapped reason and whether the remote initiated it. May be nil.
	OnClosed func(code int, reason string, byRemote bool)
}

// Conn is an established voice connection. Safe for concurrent use; frame
// sends are serialized by the caller (one player owns the connection).
type Conn struct {
	cfg Config

	ws      *websocket.Conn
	writeMu sync.Mutex // serializes gateway writes
	udp     *net.UDPConn
	pkt     packetizer

	stateMu sync.Mutex
	state   State

	speakingMu sync.Mutex
	speaking   bool

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the voice gateway, completes the handshake (identify,
// ready, UDP discovery, protocol selection, session description) and
// returns a ready connection. The ctx deadline bounds the whole handshake.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, ":80")
	if endpoint == "" {
		return nil, fmt.Errorf("voice: empty endpoint")
	}

	ws, _, err := websocket.Dial(ctx, "wss://"+endpoint+"/?v=4", nil)
	if err != nil {
		return nil, fmt.Errorf("voice: dial gateway %q: %w", endpoint, err)
	}
	// Sealed RTP packets are small but the gateway may send large op2 payloads.
	ws.SetReadLimit(1 << 20)

	c := &Conn{
		cfg:   cfg,
		ws:    ws,
		state: StateConnecting,
		done:  make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "handshake failed")
		if c.udp != nil {
			_ = c.udp.Close()
		}
		return nil, err
	}

	c.setState(StateReady)
	go c.readLoop()
	return c, nil
}

// handshake drives the gateway exchange until the session key is known.
// The heartbeat loop is started as soon as the hello interval arrives.
func (c *Conn) handshake(ctx context.Context) error {
	if err := c.send(ctx, opIdentify, identifyData{
		ServerID:  c.cfg.GuildID,
		UserID:    c.cfg.UserID,
		SessionID: c.cfg.SessionID,
		Token:     c.cfg.Token,
	}); err != nil {
		return fmt.Errorf("voice: identify: %w", err)
	}

	var haveKey bool
	for !haveKey {
		p, err := c.read(ctx)
		if err != nil {
			return fmt.Errorf("voice: handshake read: %w", err)
		}

		switch p.Op {
		case opHello:
			var hello helloData
			if err := json.Unmarshal(p.Data, &hello); err != nil {
				return fmt.Errorf("voice: decode hello: %w", err)
			}
			go c.heartbeatLoop(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

		case opReady:
			var ready readyData
			if err := json.Unmarshal(p.Data, &ready); err != nil {
				return fmt.Errorf("voice: decode ready: %w", err)
			}
			if err := c.openUDP(ctx, ready); err != nil {
				return err
			}

		case opSessionDescription:
			var desc sessionDescriptionData
			if err := json.Unmarshal(p.Data, &desc); err != nil {
				return fmt.Errorf("voice: decode session description: %w", err)
			}
			if len(desc.SecretKey) != len(c.pkt.secret) {
				return fmt.Errorf("voice: unexpected secret key length %d", len(desc.SecretKey))
			}
			for i, b := range desc.SecretKey {
				c.pkt.secret[i] = byte(b)
			}
			haveKey = true

		default:
			// Heartbeat acks and resumed notices are irrelevant mid-handshake.
		}
	}
	return nil
}

// openUDP connects the UDP socket, runs IP discovery and selects the
// transport protocol.
func (c *Conn) openUDP(ctx context.Context, ready readyData) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ready.IP, ready.Port))
	if err != nil {
		return fmt.Errorf("voice: resolve udp address: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("voice: dial udp: %w", err)
	}
	c.udp = udp
	c.pkt.ssrc = ready.SSRC

	externalIP, externalPort, err := discoverIP(udp, ready.SSRC)
	if err != nil {
		return err
	}

	return c.send(ctx, opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInfo{
			Address: externalIP,
			Port:    externalPort,
			Mode:    encryptionMode,
		},
	})
}

// WriteFrame seals one Opus frame and sends it over UDP. Speaking is
// asserted lazily on the first frame after silence.
func (c *Conn) WriteFrame(frame []byte) error {
	if c.State() != StateReady {
		return fmt.Errorf("voice: connection %s", c.State())
	}
	if err := c.Speaking(true); err != nil {
		return err
	}
	if _, err := c.udp.Write(c.pkt.packet(frame, audio.SamplesPerFrame)); err != nil {
		return fmt.Errorf("voice: send frame: %w", err)
	}
	return nil
}

// WriteSilence sends the canonical silence frames that flush the remote
// jitter buffer before the stream goes quiet.
func (c *Conn) WriteSilence() {
	for range 5 {
		if _, err := c.udp.Write(c.pkt.packet(audio.SilenceFrame, audio.SamplesPerFrame)); err != nil {
			return
		}
	}
}

// Speaking toggles the speaking flag on the gateway. Repeated calls with
// an unchanged value are no-ops.
func (c *Conn) Speaking(on bool) error {
	c.speakingMu.Lock()
	defer c.speakingMu.Unlock()
	if c.speaking == on {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val := 0
	if on {
		val = 1
	}
	if err := c.send(ctx, opSpeaking, speakingData{Speaking: val, SSRC: c.pkt.ssrc}); err != nil {
		return fmt.Errorf("voice: speaking: %w", err)
	}
	c.speaking = on
	return nil
}

// Ready reports whether the session key is established and frames flow.
func (c *Conn) Ready() bool {
	return c.State() == StateReady
}

// State returns the current transport state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Close tears the connection down. Idempotent; the OnClosed callback does
// not fire for a locally initiated close.
func (c *Conn) Close() {
	c.shutdown(0, "", false)
}

// shutdown closes everything once and reports the cause when remote.
func (c *Conn) shutdown(code int, reason string, byRemote bool) {
	c.closeOnce.Do(func() {
		c.setState(StateDead)
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		if c.udp != nil {
			_ = c.udp.Close()
		}
		if byRemote && c.cfg.OnClosed != nil {
			c.cfg.OnClosed(code, reason, true)
		}
	})
}

// readLoop consumes post-handshake gateway traffic until the socket dies.
func (c *Conn) readLoop() {
	for {
		p, err := c.read(context.Background())
		if err != nil {
			select {
			case <-c.done:
				return // local close
			default:
			}
			code := int(websocket.CloseStatus(err))
			if code < 0 {
				code = 4000
			}
			c.shutdown(code, CloseReason(code), true)
			return
		}
		switch p.Op {
		case opHeartbeatACK, opResumed, opSpeaking:
			// Nothing to do.
		default:
			slog.Debug("voice: unhandled gateway op", "op", p.Op, "guild_id", c.cfg.GuildID)
		}
	}
}

// heartbeatLoop sends a heartbeat every interval until the connection dies.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.send(ctx, opHeartbeat, rand.Uint64())
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// send writes one gateway payload as JSON text.
func (c *Conn) send(ctx context.Context, op int, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(payload{Op: op, Data: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// read returns the next gateway payload.
func (c *Conn) read(ctx context.Context) (payload, error) {
	_, raw, err := c.ws.Read(ctx)
	if err != nil {
		return payload{}, err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, fmt.Errorf("voice: decode payload: %w", err)
	}
	return p, nil
}
