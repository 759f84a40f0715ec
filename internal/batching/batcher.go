// Package batching is C7: it groups a source's accepted screenshots into
// bounded batches, splits oversized groups into shards, and snapshots a
// history pack of recently active threads/entities at formation time so
// the VLM/text stages have continuity context without re-querying the
// store mid-request.
package batching

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"screenloom/internal/store"
)

// Limits bounds how large/old a single batch (before shard-splitting) may
// grow, mirroring CaptureConfig.
type Limits struct {
	MaxBatchSize int
	MaxBatchAge  time.Duration
	ShardSize    int // max screenshots per VLM request; batches larger than this are split
}

// HistoryPack is the continuity snapshot threaded into a batch at formation
// time: the text/VLM stages use it as conversational memory about what was
// already going on, without a second store round-trip mid-request.
type HistoryPack struct {
	ActiveThreads []ThreadSummary `json:"active_threads"`
	RecentTitles  []string        `json:"recent_titles"`
	RecentEntities []string       `json:"recent_entities"`
}

// ThreadSummary is the history pack's compact view of one active thread.
type ThreadSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Phase string `json:"phase"`
}

// Builder turns pending/orphaned screenshots into batch rows.
type Builder struct {
	store  *store.Store
	limits Limits
}

// New builds a Builder with the given formation limits.
func New(st *store.Store, limits Limits) *Builder {
	return &Builder{store: st, limits: limits}
}

// FormBatches groups a source's unbatched screenshots (already ordered by
// capture time) into one or more batch rows, splitting any run that
// exceeds ShardSize into separate shard batches so a single VLM request
// never receives more images than the provider's practical limit. Returns
// the ids of the batches created.
func (b *Builder) FormBatches(ctx context.Context, sourceKey string, screenshots []store.Screenshot) ([]int64, error) {
	if len(screenshots) == 0 {
		return nil, nil
	}
	groups := groupByLimits(screenshots, b.limits)

	pack, err := b.snapshotHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot history pack: %w", err)
	}
	packJSON, err := json.Marshal(pack)
	if err != nil {
		return nil, fmt.Errorf("marshal history pack: %w", err)
	}

	var ids []int64
	for _, group := range groups {
		shards := shardSplit(group, b.limits.ShardSize)
		for _, shard := range shards {
			batchID, err := b.formOne(ctx, sourceKey, shard, string(packJSON))
			if err != nil {
				return ids, err
			}
			ids = append(ids, batchID)
		}
	}
	return ids, nil
}

func (b *Builder) formOne(ctx context.Context, sourceKey string, shard []store.Screenshot, historyPack string) (int64, error) {
	screenshotIDs := make([]int64, len(shard))
	for i, sh := range shard {
		screenshotIDs[i] = sh.ID
	}
	row := store.Batch{
		BatchID:       newBatchID(),
		SourceKey:     sourceKey,
		ScreenshotIDs: screenshotIDs,
		TSStart:       shard[0].CapturedAt,
		TSEnd:         shard[len(shard)-1].CapturedAt,
		HistoryPack:   historyPack,
	}
	id, err := b.store.InsertBatch(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	if err := b.store.AssignBatch(ctx, id, screenshotIDs); err != nil {
		return 0, fmt.Errorf("assign batch: %w", err)
	}
	return id, nil
}

// groupByLimits splits a time-ordered run of screenshots into contiguous
// batches bounded by MaxBatchSize and MaxBatchAge: a new group starts
// whenever either bound would be exceeded by the next shot.
func groupByLimits(screenshots []store.Screenshot, limits Limits) [][]store.Screenshot {
	maxSize := limits.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 8
	}
	maxAge := limits.MaxBatchAge
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}

	var groups [][]store.Screenshot
	var current []store.Screenshot
	for _, sh := range screenshots {
		if len(current) > 0 {
			age := sh.CapturedAt.Sub(current[0].CapturedAt)
			if len(current) >= maxSize || age > maxAge {
				groups = append(groups, current)
				current = nil
			}
		}
		current = append(current, sh)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// shardSplit further divides an already-bounded batch group into shards no
// larger than shardSize, preserving order. A group at or under shardSize
// returns as a single shard.
func shardSplit(group []store.Screenshot, shardSize int) [][]store.Screenshot {
	if shardSize <= 0 || len(group) <= shardSize {
		return [][]store.Screenshot{group}
	}
	var shards [][]store.Screenshot
	for start := 0; start < len(group); start += shardSize {
		end := start + shardSize
		if end > len(group) {
			end = len(group)
		}
		shards = append(shards, group[start:end])
	}
	return shards
}

func (b *Builder) snapshotHistory(ctx context.Context) (HistoryPack, error) {
	threads, err := b.store.ActiveThreads(ctx, 10)
	if err != nil {
		return HistoryPack{}, err
	}
	pack := HistoryPack{}
	for _, t := range threads {
		pack.ActiveThreads = append(pack.ActiveThreads, ThreadSummary{ID: t.ID, Title: t.Title, Phase: t.CurrentPhase})
	}

	recent, err := b.store.NodesInWindow(ctx, time.Now().Add(-1*time.Hour), time.Now())
	if err != nil {
		return HistoryPack{}, err
	}
	seenEntity := make(map[string]struct{})
	for _, n := range recent {
		if n.Title != "" {
			pack.RecentTitles = append(pack.RecentTitles, n.Title)
		}
		for _, e := range n.Entities {
			if _, ok := seenEntity[e]; !ok {
				seenEntity[e] = struct{}{}
				pack.RecentEntities = append(pack.RecentEntities, e)
			}
		}
	}
	return pack, nil
}
