package gateway

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/volcano/internal/pool"
	"github.com/MrWong99/volcano/internal/protocol"
)

// statsFrame assembles the stats frame pushed on connect and on the
// periodic broadcast.
func (g *Gateway) statsFrame() (protocol.Stats, pool.StatsReply) {
	stats := g.pool.Stats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return protocol.Stats{
		Op:             protocol.OpStats,
		Players:        stats.Players,
		PlayingPlayers: stats.PlayingPlayers,
		Uptime:         time.Since(g.started).Milliseconds(),
		Memory: protocol.Memory{
			Free:       ms.HeapSys - ms.HeapInuse,
			Used:       ms.HeapInuse,
			Allocated:  ms.HeapSys,
			Reservable: ms.Sys,
		},
		CPU: protocol.CPU{
			Cores:        runtime.NumCPU(),
			SystemLoad:   systemLoad(),
			LavalinkLoad: 0,
		},
		FrameStats: protocol.FrameStats{},
	}, stats
}

// systemLoad reports the 1-minute load average normalised by core count,
// or zero where /proc is unavailable.
func systemLoad() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load / float64(runtime.NumCPU())
}
