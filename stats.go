package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// statUpdate is the increment request sent to the persisted-stats
// collaborator for one player at match end.
type statUpdate struct {
	Username     string `json:"username"`
	CorrectCount int    `json:"correct_count"`
	FinalScore   int    `json:"final_score"`
	DidWin       bool   `json:"did_win"`
}

// statsReporter delivers match results to the stats collaborator,
// best-effort. A nil reporter (no --stats-url) disables reporting.
type statsReporter struct {
	url    string
	client *http.Client
}

func newStatsReporter(cfg *Config) *statsReporter {
	if cfg.statsURL == "" {
		return nil
	}

	return &statsReporter{
		url:    cfg.statsURL,
		client: &http.Client{Timeout: timeout},
	}
}

// report posts each update in its own request so one failure cannot block
// the rest. Guest players have no persisted identity and are skipped.
func (sr *statsReporter) report(cfg *Config, updates []statUpdate) {
	if sr == nil {
		return
	}

	go func() {
		for _, u := range updates {
			if u.Username == guestUsername {
				continue
			}

			payload, err := json.Marshal(u)
			if err != nil {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, sr.url, bytes.NewReader(payload))
			if err != nil {
				cancel()
				continue
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := sr.client.Do(req)
			if err != nil {
				logf(cfg, "STATS: Failed to report result for %q: %v", u.Username, err)
				cancel()
				continue
			}
			resp.Body.Close()
			cancel()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				logf(cfg, "STATS: Stats endpoint returned %d for %q", resp.StatusCode, u.Username)
			}
		}
	}()
}
