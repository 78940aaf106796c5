package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/volcano/internal/track"
)

const (
	soundcloudAPI = "https://api-v2.soundcloud.com"

	// keyMaxAge is how long a cached API key stays valid before it is
	// scraped again.
	keyMaxAge = 7 * 24 * time.Hour

	// transcodingPrefix marks an identifier that carries a transcoding URL.
	transcodingPrefix = "O:"
)

var (
	scriptPattern   = regexp.MustCompile(`<script[^>]+src="(https://[^"]+\.js)"`)
	clientIDPattern = regexp.MustCompile(`client_id\s*[:=]\s*"([a-zA-Z0-9]{16,})"`)
)

// soundcloudResolver talks to the audio-share site's v2 API. The API key
// (client_id) is scraped from the public site and cached on disk.
type soundcloudResolver struct {
	httpc   *http.Client
	keyPath string
}

func newSoundcloudResolver(httpc *http.Client, keyPath string) *soundcloudResolver {
	return &soundcloudResolver{httpc: httpc, keyPath: keyPath}
}

// scTrack is the subset of the v2 API track object this node consumes.
type scTrack struct {
	Title        string `json:"title"`
	Duration     int64  `json:"duration"`
	PermalinkURL string `json:"permalink_url"`
	User         struct {
		Username string `json:"username"`
	} `json:"user"`
	Media struct {
		Transcodings []struct {
			URL    string `json:"url"`
			Format struct {
				Protocol string `json:"protocol"`
			} `json:"format"`
		} `json:"transcodings"`
	} `json:"media"`
}

// info converts a v2 API track into a descriptor. The identifier embeds the
// chosen transcoding URL behind the O: prefix so that playback needs no
// second resolve round-trip.
func (t scTrack) info() (track.Info, bool) {
	transcoding := ""
	// Prefer progressive; HLS is the fallback.
	for _, tc := range t.Media.Transcodings {
		if tc.Format.Protocol == "progressive" {
			transcoding = tc.URL
			break
		}
	}
	if transcoding == "" {
		for _, tc := range t.Media.Transcodings {
			if tc.Format.Protocol == "hls" {
				transcoding = tc.URL
				break
			}
		}
	}
	if transcoding == "" {
		return track.Info{}, false
	}
	return track.Info{
		Identifier: transcodingPrefix + transcoding,
		IsSeekable: true,
		Author:     t.User.Username,
		Length:     t.Duration,
		Title:      t.Title,
		URI:        t.PermalinkURL,
		SourceName: track.SourceSoundCloud,
	}, true
}

// resolve looks a permalink URL up through the v2 resolve endpoint.
func (s *soundcloudResolver) resolve(ctx context.Context, permalink string) (track.Info, error) {
	key, err := s.apiKey(ctx)
	if err != nil {
		return track.Info{}, err
	}

	endpoint := soundcloudAPI + "/resolve?url=" + url.QueryEscape(permalink) + "&client_id=" + key
	var t scTrack
	if err := s.getJSON(ctx, endpoint, &t); err != nil {
		return track.Info{}, err
	}
	info, ok := t.info()
	if !ok {
		return track.Info{}, ErrNoMatches
	}
	return info, nil
}

// search queries the track search endpoint and orders results by title
// similarity to the query.
func (s *soundcloudResolver) search(ctx context.Context, query string) ([]track.Info, error) {
	key, err := s.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := soundcloudAPI + "/search/tracks?q=" + url.QueryEscape(query) + "&limit=10&client_id=" + key
	var resp struct {
		Collection []scTrack `json:"collection"`
	}
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	var infos []track.Info
	for _, t := range resp.Collection {
		if info, ok := t.info(); ok {
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		return nil, ErrNoMatches
	}
	rankBySimilarity(infos, query)
	return infos, nil
}

// open turns an O:-prefixed identifier into the actual audio byte stream.
// The transcoding endpoint answers with a short-lived stream URL; HLS
// transcodings are downloaded segment by segment, progressive ones in one
// request.
func (s *soundcloudResolver) open(ctx context.Context, info track.Info) (io.ReadCloser, error) {
	transcoding := strings.TrimPrefix(info.Identifier, transcodingPrefix)
	key, err := s.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	sep := "?"
	if strings.Contains(transcoding, "?") {
		sep = "&"
	}
	var stream struct {
		URL string `json:"url"`
	}
	if err := s.getJSON(ctx, transcoding+sep+"client_id="+key, &stream); err != nil {
		return nil, err
	}
	if stream.URL == "" {
		return nil, fmt.Errorf("source: empty stream url for %q", info.Title)
	}

	if strings.HasSuffix(transcoding, "/hls") {
		return s.openHLS(ctx, stream.URL)
	}
	return httpOpen(ctx, s.httpc, stream.URL)
}

// openHLS streams the segments of an HLS media playlist sequentially
// through a pipe, preserving segment order.
func (s *soundcloudResolver) openHLS(ctx context.Context, playlistURL string) (io.ReadCloser, error) {
	body, err := httpOpen(ctx, s.httpc, playlistURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse playlist url: %w", err)
	}

	var segments []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			continue
		}
		segments = append(segments, base.ResolveReference(ref).String())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("source: read playlist: %w", err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("source: playlist has no segments")
	}

	pr, pw := io.Pipe()
	go func() {
		for _, seg := range segments {
			segBody, err := httpOpen(ctx, s.httpc, seg)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, segBody)
			segBody.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}

// apiKey returns the cached API key, scraping a fresh one when the cache
// file is missing or older than keyMaxAge.
func (s *soundcloudResolver) apiKey(ctx context.Context) (string, error) {
	if st, err := os.Stat(s.keyPath); err == nil && time.Since(st.ModTime()) < keyMaxAge {
		raw, err := os.ReadFile(s.keyPath)
		if err == nil {
			if key := strings.TrimSpace(string(raw)); key != "" {
				return key, nil
			}
		}
	}

	key, err := s.scrapeKey(ctx)
	if err != nil {
		return "", err
	}
	// Truncate-write so concurrent readers never see a partial key.
	if err := os.WriteFile(s.keyPath, []byte(key+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("source: cache api key: %w", err)
	}
	return key, nil
}

// scrapeKey extracts the public client id from the site's asset scripts.
func (s *soundcloudResolver) scrapeKey(ctx context.Context) (string, error) {
	home, err := s.getBody(ctx, "https://soundcloud.com/")
	if err != nil {
		return "", err
	}

	for _, m := range scriptPattern.FindAllStringSubmatch(home, -1) {
		script, err := s.getBody(ctx, m[1])
		if err != nil {
			continue
		}
		if km := clientIDPattern.FindStringSubmatch(script); km != nil {
			return km[1], nil
		}
	}
	return "", fmt.Errorf("source: no api key found in site assets")
}

func (s *soundcloudResolver) getBody(ctx context.Context, endpoint string) (string, error) {
	body, err := httpOpen(ctx, s.httpc, endpoint)
	if err != nil {
		return "", err
	}
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("source: read %q: %w", endpoint, err)
	}
	return string(raw), nil
}

func (s *soundcloudResolver) getJSON(ctx context.Context, endpoint string, v any) error {
	body, err := httpOpen(ctx, s.httpc, endpoint)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("source: decode response: %w", err)
	}
	return nil
}

// rankBySimilarity orders search results by Jaro-Winkler similarity of
// their titles to the query, best match first. The sort is stable so the
// site's own relevance order breaks ties.
func rankBySimilarity(infos []track.Info, query string) {
	q := strings.ToLower(query)
	score := func(i track.Info) float64 {
		return matchr.JaroWinkler(strings.ToLower(i.Title), q, true)
	}
	sort.SliceStable(infos, func(a, b int) bool {
		return score(infos[a]) > score(infos[b])
	})
}
