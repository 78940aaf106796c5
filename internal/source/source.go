// Package source resolves track identifiers against the configured audio
// sources (video platform, audio-sharing site, local files, generic HTTP)
// and opens the raw byte streams the codec pipeline consumes. Sources are
// individually gated by configuration; a disabled source yields a typed
// error that the REST layer maps to LOAD_FAILED.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/volcano/internal/track"
)

// Load types returned by the /loadtracks endpoint.
const (
	LoadTypeTrackLoaded    = "TRACK_LOADED"
	LoadTypePlaylistLoaded = "PLAYLIST_LOADED"
	LoadTypeSearchResult   = "SEARCH_RESULT"
	LoadTypeNoMatches      = "NO_MATCHES"
	LoadTypeLoadFailed     = "LOAD_FAILED"
)

// ErrNoMatches is returned when a resolver found nothing for an identifier.
var ErrNoMatches = errors.New("source: no matches")

// DisabledError reports an attempt to use a source that is switched off in
// the configuration.
type DisabledError struct {
	// Code is the stable error identifier, e.g. "YOUTUBE_NOT_ENABLED".
	Code string
}

func (e *DisabledError) Error() string {
	return "source: " + e.Code
}

// identifierPattern splits an identifier into optional search prefixes and
// the query remainder.
var identifierPattern = regexp.MustCompile(`^(ytsearch:)?(scsearch:)?(.+)$`)

// Config mirrors the lavalink.server.sources and search toggles.
type Config struct {
	YouTube    bool
	SoundCloud bool
	Local      bool
	HTTP       bool

	YouTubeSearch    bool
	SoundCloudSearch bool
}

// Entry pairs an encoded descriptor with its decoded info, as served by
// /loadtracks.
type Entry struct {
	Track string     `json:"track"`
	Info  track.Info `json:"info"`
}

// PlaylistInfo describes the playlist a load belongs to. Empty for single
// tracks and searches.
type PlaylistInfo struct {
	Name          string `json:"name,omitempty"`
	SelectedTrack int    `json:"selectedTrack,omitempty"`
}

// Result is the /loadtracks response body.
type Result struct {
	LoadType     string       `json:"loadType"`
	PlaylistInfo PlaylistInfo `json:"playlistInfo"`
	Tracks       []Entry      `json:"tracks"`
}

// Registry dispatches identifiers and track infos to the enabled sources.
type Registry struct {
	cfg   Config
	httpc *http.Client

	yt *youtubeResolver
	sc *soundcloudResolver
}

// NewRegistry builds a registry for the given source configuration.
// keyPath is where the audio-share API key is cached (./soundcloud.txt).
func NewRegistry(cfg Config, keyPath string) *Registry {
	httpc := &http.Client{Timeout: 30 * time.Second}
	return &Registry{
		cfg:   cfg,
		httpc: httpc,
		yt:    newYoutubeResolver(httpc),
		sc:    newSoundcloudResolver(httpc, keyPath),
	}
}

// Load resolves an identifier for the REST track-resolution endpoint. It
// never returns an error; failures are folded into the result's LoadType.
func (r *Registry) Load(ctx context.Context, identifier string) Result {
	m := identifierPattern.FindStringSubmatch(identifier)
	if m == nil {
		return Result{LoadType: LoadTypeNoMatches, Tracks: []Entry{}}
	}
	ytSearch, scSearch, query := m[1] != "", m[2] != "", m[3]

	var (
		infos    []track.Info
		loadType string
		err      error
	)

	switch {
	case ytSearch || scSearch:
		infos, err = r.search(ctx, query, scSearch)
		loadType = LoadTypeSearchResult

	case strings.HasPrefix(query, "/"):
		infos, err = localResolve(query, r.cfg.Local)
		loadType = LoadTypeTrackLoaded

	case isURL(query):
		infos, loadType, err = r.loadURL(ctx, query)

	default:
		infos, err = r.search(ctx, query, false)
		loadType = LoadTypeSearchResult
	}

	switch {
	case err == nil && len(infos) == 0, errors.Is(err, ErrNoMatches):
		return Result{LoadType: LoadTypeNoMatches, Tracks: []Entry{}}
	case err != nil:
		return Result{LoadType: LoadTypeLoadFailed, Tracks: []Entry{}}
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		blob, encErr := track.Encode(info)
		if encErr != nil {
			continue
		}
		entries = append(entries, Entry{Track: blob, Info: info})
	}
	return Result{LoadType: loadType, Tracks: entries}
}

// loadURL classifies a URL identifier by host.
func (r *Registry) loadURL(ctx context.Context, raw string) ([]track.Info, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("source: parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.Contains(host, "soundcloud"):
		if !r.cfg.SoundCloud {
			return nil, "", &DisabledError{Code: "SOUNDCLOUD_NOT_ENABLED"}
		}
		info, err := r.sc.resolve(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		return []track.Info{info}, LoadTypeTrackLoaded, nil

	case strings.Contains(host, "youtube") || strings.Contains(host, "youtu.be"):
		if !r.cfg.YouTube {
			return nil, "", &DisabledError{Code: "YOUTUBE_NOT_ENABLED"}
		}
		info, err := r.yt.resolve(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		return []track.Info{info}, LoadTypeTrackLoaded, nil

	default:
		if !r.cfg.HTTP {
			return nil, "", &DisabledError{Code: "HTTP_NOT_ENABLED"}
		}
		return []track.Info{httpInfo(raw)}, LoadTypeTrackLoaded, nil
	}
}

// search runs a query against the video platform, falling back to the
// audio-share site when video search is disabled. forceSC pins the query to
// the audio-share site (the scsearch: prefix).
func (r *Registry) search(ctx context.Context, query string, forceSC bool) ([]track.Info, error) {
	useYT := r.cfg.YouTube && r.cfg.YouTubeSearch && !forceSC
	useSC := r.cfg.SoundCloud && r.cfg.SoundCloudSearch

	switch {
	case useYT:
		return r.yt.search(ctx, query)
	case useSC:
		return r.sc.search(ctx, query)
	case forceSC:
		return nil, &DisabledError{Code: "SOUNDCLOUD_NOT_ENABLED"}
	default:
		return nil, &DisabledError{Code: "YOUTUBE_NOT_ENABLED"}
	}
}

// Open fetches the raw audio byte stream for a decoded descriptor. The
// caller owns the returned stream and must close it.
func (r *Registry) Open(ctx context.Context, info track.Info) (io.ReadCloser, error) {
	switch info.SourceName {
	case track.SourceYouTube:
		if !r.cfg.YouTube {
			return nil, &DisabledError{Code: "YOUTUBE_NOT_ENABLED"}
		}
		return r.yt.open(ctx, info)

	case track.SourceSoundCloud:
		if !r.cfg.SoundCloud {
			return nil, &DisabledError{Code: "SOUNDCLOUD_NOT_ENABLED"}
		}
		return r.sc.open(ctx, info)

	case track.SourceLocal:
		if !r.cfg.Local {
			return nil, &DisabledError{Code: "LOCAL_NOT_ENABLED"}
		}
		return localOpen(info.URI)

	case track.SourceHTTP:
		if !r.cfg.HTTP {
			return nil, &DisabledError{Code: "HTTP_NOT_ENABLED"}
		}
		return httpOpen(ctx, r.httpc, info.URI)

	default:
		return nil, fmt.Errorf("source: unknown source %q", info.SourceName)
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
