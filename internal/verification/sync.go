package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/repository"
)

// Manifest is the body of GET /v1/scanner/manifest.
type Manifest struct {
	EventID uint64                     `json:"event_id"`
	Tickets []repository.ManifestEntry `json:"tickets"`
}

// Syncer pulls an event manifest from the server into an offline cache.
// It runs while the scanner still has connectivity.
type Syncer struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewSyncer targets the server at baseURL with a staff bearer token.
func NewSyncer(baseURL, staffToken string, client *http.Client) *Syncer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Syncer{client: client, baseURL: strings.TrimRight(baseURL, "/"), token: staffToken}
}

// Sync replaces the cached manifest of eventID and returns the number of
// tickets cached.
func (s *Syncer) Sync(ctx context.Context, eventID uint64, cache OfflineCache) (int, error) {
	u := s.baseURL + "/v1/scanner/manifest?" + url.Values{"event_id": {strconv.FormatUint(eventID, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}
	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return 0, fmt.Errorf("decode manifest: %w", err)
	}
	if m.EventID != eventID {
		return 0, fmt.Errorf("manifest is for event %d, want %d", m.EventID, eventID)
	}
	if err := cache.ReplaceEvent(ctx, eventID, m.Tickets); err != nil {
		return 0, fmt.Errorf("store manifest: %w", err)
	}
	return len(m.Tickets), nil
}
