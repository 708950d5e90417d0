// Package youtube implements feed.Source on top of the YouTube Data API v3
// activities endpoint.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tubewatch/internal/feed"
)

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

type Config struct {
	Token   string
	BaseURL string        // test override; empty means the real API
	Timeout time.Duration // per-request lock budget; 0 means 60s
	// MaxPages caps pagination per channel so one very active channel cannot
	// monopolize a sync run. 0 means 5.
	MaxPages int
}

type Source struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("youtube token is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	return &Source{cfg: cfg, http: &http.Client{}, log: log}, nil
}

type activitiesResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			Type        string    `json:"type"`
			Title       string    `json:"title"`
			ChannelID   string    `json:"channelId"`
			PublishedAt time.Time `json:"publishedAt"`
			Thumbnails  map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		ContentDetails struct {
			Upload struct {
				VideoID string `json:"videoId"`
			} `json:"upload"`
		} `json:"contentDetails"`
	} `json:"items"`
}

func (s *Source) Fetch(ctx context.Context, q feed.ChannelQuery) ([]feed.Item, error) {
	var items []feed.Item
	pageToken := ""
	for page := 0; page < s.cfg.MaxPages; page++ {
		resp, err := s.fetchPage(ctx, q, pageToken)
		if err != nil {
			return nil, err
		}
		for _, it := range resp.Items {
			sn := it.Snippet
			videoID := it.ContentDetails.Upload.VideoID
			if sn.Type != "upload" || videoID == "" {
				continue
			}
			if !sn.PublishedAt.After(q.PublishedAfter) {
				continue
			}
			items = append(items, feed.Item{
				ID:          videoID,
				ChannelID:   q.ChannelID,
				Title:       sn.Title,
				URL:         "https://youtu.be/" + videoID,
				PreviewURL:  previewURL(sn.Thumbnails),
				PublishedAt: sn.PublishedAt,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return items, nil
}

func (s *Source) fetchPage(ctx context.Context, q feed.ChannelQuery, pageToken string) (*activitiesResponse, error) {
	params := url.Values{}
	params.Set("part", "snippet,contentDetails")
	params.Set("channelId", q.ChannelID)
	params.Set("publishedAfter", q.PublishedAfter.UTC().Format(time.RFC3339))
	params.Set("maxResults", "50")
	params.Set("key", s.cfg.Token)
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	// Hard wall-clock budget: a stuck call is aborted and surfaced as a lock
	// timeout, distinct from whatever the remote would have said.
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, s.cfg.BaseURL+"/activities?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: channel %s", feed.ErrLockTimeout, q.ChannelID)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("youtube: activities %s: status %d: %s", q.ChannelID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out activitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("youtube: decode activities: %w", err)
	}
	return &out, nil
}

// previewURL picks the best available thumbnail.
func previewURL(thumbs map[string]struct {
	URL string `json:"url"`
}) string {
	for _, quality := range []string{"high", "medium", "default"} {
		if t, ok := thumbs[quality]; ok && t.URL != "" {
			return t.URL
		}
	}
	for _, t := range thumbs {
		if t.URL != "" {
			return t.URL
		}
	}
	return ""
}
