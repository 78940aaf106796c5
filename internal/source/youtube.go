package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrWong99/volcano/internal/track"
)

const (
	playerEndpoint = "https://www.youtube.com/youtubei/v1/player"
	resultsPage    = "https://www.youtube.com/results?search_query="

	// searchLimit caps how many search hits are resolved into full
	// descriptors; each hit costs one player round-trip.
	searchLimit = 5
)

// videoIDPattern matches video ids embedded in the results page markup.
var videoIDPattern = regexp.MustCompile(`"videoId":"([a-zA-Z0-9_-]{11})"`)

// youtubeResolver fetches stream metadata through the public innertube
// player endpoint using the Android client profile, which serves direct
// (unciphered) stream URLs.
type youtubeResolver struct {
	httpc *http.Client
}

func newYoutubeResolver(httpc *http.Client) *youtubeResolver {
	return &youtubeResolver{httpc: httpc}
}

// playerRequest is the innertube request body.
type playerRequest struct {
	VideoID string `json:"videoId"`
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
		} `json:"client"`
	} `json:"context"`
}

// playerResponse is the subset of the innertube response this node reads.
type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		LengthSeconds string `json:"lengthSeconds"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
	StreamingData struct {
		AdaptiveFormats []ytFormat `json:"adaptiveFormats"`
		Formats         []ytFormat `json:"formats"`
	} `json:"streamingData"`
}

type ytFormat struct {
	MimeType string `json:"mimeType"`
	Bitrate  int64  `json:"bitrate"`
	URL      string `json:"url"`
}

// resolve extracts the video id from a watch URL and fetches its details.
func (y *youtubeResolver) resolve(ctx context.Context, raw string) (track.Info, error) {
	id, err := extractVideoID(raw)
	if err != nil {
		return track.Info{}, err
	}
	return y.byID(ctx, id)
}

// search scrapes the results page for video ids and resolves the first few
// hits, ranked by title similarity to the query.
func (y *youtubeResolver) search(ctx context.Context, query string) ([]track.Info, error) {
	body, err := httpOpen(ctx, y.httpc, resultsPage+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	page, err := io.ReadAll(io.LimitReader(body, 8<<20))
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("source: read results page: %w", err)
	}

	seen := make(map[string]bool)
	var infos []track.Info
	for _, m := range videoIDPattern.FindAllSubmatch(page, -1) {
		id := string(m[1])
		if seen[id] {
			continue
		}
		seen[id] = true

		info, err := y.byID(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
		if len(infos) >= searchLimit {
			break
		}
	}
	if len(infos) == 0 {
		return nil, ErrNoMatches
	}
	rankBySimilarity(infos, query)
	return infos, nil
}

// open returns the raw audio byte stream for a resolved video.
func (y *youtubeResolver) open(ctx context.Context, info track.Info) (io.ReadCloser, error) {
	resp, err := y.player(ctx, info.Identifier)
	if err != nil {
		return nil, err
	}

	format := pickAudioFormat(resp.StreamingData.AdaptiveFormats, resp.StreamingData.Formats)
	if format == nil {
		return nil, fmt.Errorf("source: no playable audio format for %q", info.Identifier)
	}
	return httpOpen(ctx, y.httpc, format.URL)
}

// byID fetches video details for a known id.
func (y *youtubeResolver) byID(ctx context.Context, id string) (track.Info, error) {
	resp, err := y.player(ctx, id)
	if err != nil {
		return track.Info{}, err
	}
	if resp.PlayabilityStatus.Status != "OK" {
		return track.Info{}, ErrNoMatches
	}

	lengthSec, _ := strconv.ParseInt(resp.VideoDetails.LengthSeconds, 10, 64)
	return track.Info{
		Identifier: resp.VideoDetails.VideoID,
		IsSeekable: !resp.VideoDetails.IsLiveContent,
		Author:     resp.VideoDetails.Author,
		Length:     lengthSec * 1000,
		IsStream:   resp.VideoDetails.IsLiveContent,
		Title:      resp.VideoDetails.Title,
		URI:        "https://www.youtube.com/watch?v=" + resp.VideoDetails.VideoID,
		SourceName: track.SourceYouTube,
	}, nil
}

// player calls the innertube player endpoint.
func (y *youtubeResolver) player(ctx context.Context, id string) (*playerResponse, error) {
	var reqBody playerRequest
	reqBody.VideoID = id
	reqBody.Context.Client.ClientName = "ANDROID"
	reqBody.Context.Client.ClientVersion = "19.09.37"

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, playerEndpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("source: build player request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := y.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: player request: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source: player request: unexpected status %s", httpResp.Status)
	}

	var resp playerResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("source: decode player response: %w", err)
	}
	return &resp, nil
}

// pickAudioFormat selects the highest-bitrate audio-only format, falling
// back to muxed formats when no audio-only one is present.
func pickAudioFormat(adaptive, muxed []ytFormat) *ytFormat {
	var best *ytFormat
	for i := range adaptive {
		f := &adaptive[i]
		if !strings.HasPrefix(f.MimeType, "audio/") || f.URL == "" {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	if best != nil {
		return best
	}
	for i := range muxed {
		if muxed[i].URL != "" {
			return &muxed[i]
		}
	}
	return nil
}

// extractVideoID pulls the 11-character id out of watch and short URLs.
func extractVideoID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("source: parse url: %w", err)
	}
	if strings.Contains(u.Hostname(), "youtu.be") {
		return strings.TrimPrefix(u.Path, "/"), nil
	}
	if id := u.Query().Get("v"); id != "" {
		return id, nil
	}
	if strings.HasPrefix(u.Path, "/shorts/") {
		return strings.TrimPrefix(u.Path, "/shorts/"), nil
	}
	return "", fmt.Errorf("source: no video id in %q", raw)
}
