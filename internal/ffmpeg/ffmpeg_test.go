package ffmpeg

import (
	"strings"
	"testing"

	"github.com/MrWong99/volcano/internal/filter"
)

func fptr(f float64) *float64 { return &f }

func TestBuildArgs_Plain(t *testing.T) {
	t.Parallel()

	got := strings.Join(buildArgs(filter.NewChain()), " ")
	want := "-i - -analyzeduration 0 -loglevel 0 -f s16le -acodec libopus -f opus -ar 48000 -ac 2 pipe:1"
	if got != want {
		t.Errorf("args:\n got  %q\n want %q", got, want)
	}
}

func TestBuildArgs_SeekPrecedesInput(t *testing.T) {
	t.Parallel()

	chain := filter.NewChain()
	chain.SeekMS = 42_000
	args := buildArgs(chain)

	joined := strings.Join(args, " ")
	if !strings.HasPrefix(joined, "-ss 42000ms -accurate_seek -i -") {
		t.Errorf("seek must precede -i for accurate input seeking, got %q", joined)
	}
}

func TestBuildArgs_FilterGraphAfterOutputOptions(t *testing.T) {
	t.Parallel()

	chain := filter.NewChain()
	chain.Settings = filter.Settings{Volume: fptr(0.5)}
	joined := strings.Join(buildArgs(chain), " ")

	if !strings.Contains(joined, "-ac 2 -af volume=0.5 pipe:1") {
		t.Errorf("graph placement wrong: %q", joined)
	}
}

func TestBuildArgs_RawOverride(t *testing.T) {
	t.Parallel()

	chain := filter.NewChain()
	chain.Settings = filter.Settings{Volume: fptr(0.5)}
	chain.Raw = []string{"-af", "areverse"}
	joined := strings.Join(buildArgs(chain), " ")

	if strings.Contains(joined, "volume=") {
		t.Errorf("raw override leaked structured graph: %q", joined)
	}
	if !strings.Contains(joined, "-af areverse pipe:1") {
		t.Errorf("raw args missing: %q", joined)
	}
}
