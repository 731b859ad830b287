package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"tournament-settlement-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultsSyncClient pulls finalized leaderboard ranks from the results
// service so settlement can run without a manual rank payload.
type ResultsSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewResultsSyncClient(db *gorm.DB) *ResultsSyncClient {
	baseURL := os.Getenv("RESULTS_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("RESULTS_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("SETTLEMENT_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("SETTLEMENT_SERVICE_TOKEN environment variable is required for results sync")
	}

	return &ResultsSyncClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rankUpdate struct {
	TournamentID string `json:"tournament_id"`
	EntrantID    string `json:"entrant_id"`
	Rank         int    `json:"rank"`
}

func (c *ResultsSyncClient) GetChangedRanks(ctx context.Context, since time.Time) ([]rankUpdate, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/leaderboards/final", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call results service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("results service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Ranks []rankUpdate `json:"ranks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode results service response: %w", err)
	}

	return response.Ranks, nil
}

// PollResults keeps the local rank mirror fresh. The sync window only
// advances after a successful upsert, so a failed tick retries the same
// window instead of dropping ranks.
func PollResults(ctx context.Context, client *ResultsSyncClient, pollInterval time.Duration) {
	log.Println("Starting leaderboard results polling...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Results polling stopped.")
			return
		case <-ticker.C:
			logTime := time.Now().UTC()

			updates, err := client.GetChangedRanks(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling results: %v", err)
				continue
			}

			count := len(updates)
			if count == 0 {
				continue
			}
			log.Printf("📥 Received %d rank update(s) from results service.", count)

			rows := make([]models.LeaderboardRank, 0, count)
			now := time.Now()
			for _, u := range updates {
				rows = append(rows, models.LeaderboardRank{
					ID:           uuid.NewString(),
					TournamentID: u.TournamentID,
					EntrantID:    u.EntrantID,
					Rank:         u.Rank,
					SyncedAt:     now,
				})
			}

			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "tournament_id"}, {Name: "entrant_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"rank",
						"synced_at",
					}),
				},
			).Create(&rows).Error; err != nil {
				log.Printf("❌ Failed to upsert %d rank(s): %v", count, err)
				continue
			}

			lastSyncTime = logTime
			log.Printf("✅ Upserted %d leaderboard rank(s).", count)
		}
	}
}
