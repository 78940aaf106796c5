// Package ffmpeg wraps an external ffmpeg process that transcodes arbitrary
// audio from stdin into a 48 kHz stereo Ogg-Opus stream on stdout. The
// process is owned by exactly one queue at a time and is killed when its
// output is closed early.
package ffmpeg

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/MrWong99/volcano/internal/filter"
)

// binary is the ffmpeg executable looked up on PATH.
const binary = "ffmpeg"

// buildArgs assembles the full argument list: the chain's accurate-seek
// prefix before the input, the fixed output options, the filter graph, and
// the stdout sink.
func buildArgs(chain filter.Chain) []string {
	pre, post := chain.Args()

	args := append([]string{}, pre...)
	args = append(args,
		"-i", "-",
		"-analyzeduration", "0",
		"-loglevel", "0",
		"-f", "s16le",
		"-acodec", "libopus",
		"-f", "opus",
		"-ar", "48000",
		"-ac", "2",
	)
	args = append(args, post...)
	return append(args, "pipe:1")
}

// Process is a running ffmpeg transcode. Read Ogg-Opus from Stdout; Close
// tears the process down and releases the input stream.
type Process struct {
	Stdout io.Reader

	cmd       *exec.Cmd
	input     io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Start spawns ffmpeg reading from in and producing Ogg-Opus on stdout.
// The chain contributes the accurate-seek prefix (before -i) and the
// filter graph (after the output options). Start takes ownership of in:
// it is closed when the process is closed.
func Start(in io.ReadCloser, chain filter.Chain) (*Process, error) {
	cmd := exec.Command(binary, buildArgs(chain)...)
	cmd.Stdin = in

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	return &Process{
		Stdout: stdout,
		cmd:    cmd,
		input:  in,
	}, nil
}

// Close kills the process if it is still running, reaps it and closes the
// input stream. Safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
		if p.input != nil {
			p.closeErr = p.input.Close()
		}
	})
	return p.closeErr
}
