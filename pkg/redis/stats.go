package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StatsStore provides hourly request statistics keyed by model
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a new StatsStore
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// StatsTTL is the TTL for usage statistics (30 days)
const StatsTTL = 30 * 24 * time.Hour

// HourlyStats represents request counts for a single hour
type HourlyStats struct {
	Hour   string           `json:"hour"` // Format: "2024-02-08T14"
	Total  int64            `json:"total"`
	Models map[string]int64 `json:"models"`
}

// RecordRequest records a single request for statistics
func (s *StatsStore) RecordRequest(ctx context.Context, model string) error {
	key := PrefixStats + currentHourKey()

	if _, err := s.client.HIncrBy(ctx, key, "_total", 1); err != nil {
		return err
	}
	if _, err := s.client.HIncrBy(ctx, key, model, 1); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, StatsTTL)
}

// GetHourly returns all recorded hourly buckets, oldest first
func (s *StatsStore) GetHourly(ctx context.Context) ([]HourlyStats, error) {
	keys, err := s.client.Keys(ctx, PrefixStats+"*")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]HourlyStats, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		hs := HourlyStats{
			Hour:   strings.TrimPrefix(key, PrefixStats),
			Models: make(map[string]int64),
		}
		for field, raw := range fields {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			if field == "_total" {
				hs.Total = n
			} else {
				hs.Models[field] = n
			}
		}
		out = append(out, hs)
	}
	return out, nil
}

// PruneOldStats removes buckets older than maxAgeDays. Returns the number
// of keys removed.
func (s *StatsStore) PruneOldStats(ctx context.Context, maxAgeDays int) (int, error) {
	keys, err := s.client.Keys(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Format("2006-01-02T15")

	pruned := 0
	for _, key := range keys {
		hour := strings.TrimPrefix(key, PrefixStats)
		if hour < cutoff {
			if err := s.client.Delete(ctx, key); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// currentHourKey returns the current UTC hour bucket key
func currentHourKey() string {
	return time.Now().UTC().Format("2006-01-02T15")
}
