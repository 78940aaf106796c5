package filter_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/volcano/internal/filter"
)

func fptr(f float64) *float64 { return &f }

func TestSettings_Graph(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		settings filter.Settings
		want     string
		wantRate float64
	}{
		{
			name:     "empty",
			settings: filter.Settings{},
			want:     "",
			wantRate: 1.0,
		},
		{
			name:     "volume only",
			settings: filter.Settings{Volume: fptr(0.5)},
			want:     "volume=0.5",
			wantRate: 1.0,
		},
		{
			name: "equalizer single band boost",
			settings: filter.Settings{
				Equalizer: []filter.Band{{Band: 3, Gain: 2.0}},
			},
			want:     "equalizer=width_type=h:gain=12",
			wantRate: 1.0,
		},
		{
			name: "equalizer ignores out of range bands",
			settings: filter.Settings{
				Equalizer: []filter.Band{{Band: 99, Gain: 4.0}, {Band: -1, Gain: 4.0}},
			},
			want:     "",
			wantRate: 1.0,
		},
		{
			name: "timescale neutral",
			settings: filter.Settings{
				Timescale: &filter.Timescale{Rate: 1, Pitch: 1, Speed: 1},
			},
			want:     "aresample=48000,asetrate=48000*1,atempo=1,aresample=48000",
			wantRate: 1.0,
		},
		{
			name: "timescale double speed",
			settings: filter.Settings{
				Timescale: &filter.Timescale{Speed: 2.0},
			},
			want:     "aresample=48000,asetrate=48000*1,atempo=2,aresample=48000",
			wantRate: 2.0,
		},
		{
			name:     "tremolo",
			settings: filter.Settings{Tremolo: &filter.Oscillation{Frequency: 4, Depth: 0.75}},
			want:     "tremolo=f=4:d=0.75",
			wantRate: 1.0,
		},
		{
			name:     "vibrato",
			settings: filter.Settings{Vibrato: &filter.Oscillation{Frequency: 7, Depth: 1}},
			want:     "vibrato=f=7:d=1",
			wantRate: 1.0,
		},
		{
			name:     "rotation",
			settings: filter.Settings{Rotation: &filter.Rotation{RotationHz: 0.2}},
			want:     "apulsator=hz=0.2",
			wantRate: 1.0,
		},
		{
			name:     "lowpass cutoff is 500 over smoothing",
			settings: filter.Settings{LowPass: &filter.LowPass{Smoothing: 20}},
			want:     "lowpass=f=25",
			wantRate: 1.0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			graph, rate := tc.settings.Graph()
			if graph != tc.want {
				t.Errorf("graph: got %q, want %q", graph, tc.want)
			}
			if rate != tc.wantRate {
				t.Errorf("rate: got %v, want %v", rate, tc.wantRate)
			}
		})
	}
}

func TestSettings_GraphOrdering(t *testing.T) {
	t.Parallel()

	s := filter.Settings{
		Volume:   fptr(1.5),
		Tremolo:  &filter.Oscillation{Frequency: 2, Depth: 0.5},
		LowPass:  &filter.LowPass{Smoothing: 10},
		Rotation: &filter.Rotation{RotationHz: 0.1},
	}
	graph, _ := s.Graph()
	want := "volume=1.5,tremolo=f=2:d=0.5,apulsator=hz=0.1,lowpass=f=50"
	if graph != want {
		t.Errorf("got %q, want %q", graph, want)
	}
}

func TestChain_Args(t *testing.T) {
	t.Parallel()

	c := filter.NewChain()
	if !c.Empty() {
		t.Error("new chain should be empty")
	}

	c.SeekMS = 5000
	c.Settings = filter.Settings{Volume: fptr(0.8)}

	pre, post := c.Args()
	if got, want := strings.Join(pre, " "), "-ss 5000ms -accurate_seek"; got != want {
		t.Errorf("pre: got %q, want %q", got, want)
	}
	if got, want := strings.Join(post, " "), "-af volume=0.8"; got != want {
		t.Errorf("post: got %q, want %q", got, want)
	}
}

func TestChain_RawOverridesSettings(t *testing.T) {
	t.Parallel()

	c := filter.NewChain()
	c.Settings = filter.Settings{Volume: fptr(0.8)}
	c.Raw = []string{"-af", "areverse"}

	_, post := c.Args()
	if got, want := strings.Join(post, " "), "-af areverse"; got != want {
		t.Errorf("post: got %q, want %q", got, want)
	}
	if c.Rate() != 1.0 {
		t.Errorf("raw chain rate: got %v, want 1.0", c.Rate())
	}
}

func TestChain_SeekSurvivesFilterReplacement(t *testing.T) {
	t.Parallel()

	c := filter.NewChain()
	c.SeekMS = 30000
	c.Settings = filter.Settings{Timescale: &filter.Timescale{Speed: 1.25}}

	// Replacing settings (the filters op) must not clear the seek prefix.
	c.Settings = filter.Settings{}
	pre, _ := c.Args()
	if len(pre) == 0 {
		t.Fatal("seek prefix lost after settings replacement")
	}
}
