// Package vectorindex is C4: a single-writer adapter over an external ANN
// index, reached through qdrant's gRPC client. Every mutating call marks the
// index dirty instead of flushing synchronously; a background loop flushes
// once the index has been quiet for the configured interval, so a burst of
// embedding-stage upserts costs one flush instead of one per point.
package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// PayloadOriginalID is the payload key holding the caller-supplied id when
// it isn't itself a UUID — qdrant only accepts UUIDs and unsigned integers
// as point ids.
const PayloadOriginalID = "_original_id"

// Point is one vector with its integer document id and metadata filter
// fields, as handed off by the embedding stage (C12).
type Point struct {
	ID       int64
	Vector   []float32
	Metadata map[string]string
}

// Result is one ANN search hit.
type Result struct {
	ID       int64
	Score    float32
	Metadata map[string]string
}

// Index is a single-logical-writer wrapper over a qdrant collection. All
// exported methods are safe to call concurrently, but the reconcile loop's
// index-pool concurrency is expected to equal 1 so that "single writer" is
// an actual invariant, not just a convention.
type Index struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string

	flushInterval time.Duration

	mu       sync.Mutex
	dirty    bool
	lastWrite time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config configures the adapter.
type Config struct {
	DSN           string
	Collection    string
	Dimension     int
	Metric        string // cosine|l2|euclidean|ip|dot|manhattan
	FlushInterval time.Duration
}

// Open connects to qdrant, ensures the collection exists with the
// configured vector size/metric, and starts the background flush loop.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vectorindex: collection name is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be > 0")
	}
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: parse dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: invalid port in dsn: %w", err)
	}
	qcfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: create client: %w", err)
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	idx := &Index{
		client:        client,
		collection:    cfg.Collection,
		dimension:     cfg.Dimension,
		metric:        strings.ToLower(strings.TrimSpace(cfg.Metric)),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("vectorindex: ensure collection: %w", err)
	}
	go idx.flushLoop()
	return idx, nil
}

func (idx *Index) ensureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch idx.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	return idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(idx.dimension),
			Distance: distance,
		}),
	})
}

func pointUUID(id int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strconv.FormatInt(id, 10))).String()
}

// Upsert writes or replaces a point and marks the index dirty. It does not
// flush; flush happens on the background quiescence timer or via Flush.
func (idx *Index) Upsert(ctx context.Context, p Point) error {
	metadataAny := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		metadataAny[k] = v
	}
	metadataAny[PayloadOriginalID] = p.ID
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	points := []*qdrant.PointStruct{{
		Id:      qdrant.NewIDUUID(pointUUID(p.ID)),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(metadataAny),
	}}
	if _, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("vectorindex: upsert: %w", err)
	}
	idx.markDirty()
	return nil
}

// Delete removes a point by its document id and marks the index dirty.
func (idx *Index) Delete(ctx context.Context, id int64) error {
	if _, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointUUID(id))),
	}); err != nil {
		return fmt.Errorf("vectorindex: delete: %w", err)
	}
	idx.markDirty()
	return nil
}

// Search runs an ANN query, optionally filtered by exact-match metadata.
func (idx *Index) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	hits, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]string)
		var originalID int64
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == PayloadOriginalID {
					originalID = v.GetIntegerValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		results = append(results, Result{ID: originalID, Score: hit.Score, Metadata: metadata})
	}
	return results, nil
}

// Flush forces an immediate snapshot regardless of the quiescence timer.
// Qdrant durably persists on every write already; Flush here issues a
// collection snapshot so the on-disk state used for backup/restore reflects
// the latest dirty writes.
func (idx *Index) Flush(ctx context.Context) error {
	idx.mu.Lock()
	if !idx.dirty {
		idx.mu.Unlock()
		return nil
	}
	idx.dirty = false
	idx.mu.Unlock()

	_, err := idx.client.CreateSnapshot(ctx, idx.collection)
	if err != nil {
		idx.markDirty()
		return fmt.Errorf("vectorindex: flush snapshot: %w", err)
	}
	return nil
}

func (idx *Index) markDirty() {
	idx.mu.Lock()
	idx.dirty = true
	idx.lastWrite = time.Now()
	idx.mu.Unlock()
}

func (idx *Index) flushLoop() {
	defer close(idx.doneCh)
	ticker := time.NewTicker(idx.flushInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.mu.Lock()
			quiet := idx.dirty && time.Since(idx.lastWrite) >= idx.flushInterval
			idx.mu.Unlock()
			if quiet {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = idx.Flush(ctx)
				cancel()
			}
		}
	}
}

// Close stops the flush loop, performs a final flush if dirty, and closes
// the underlying client connection.
func (idx *Index) Close() error {
	idx.stopOnce.Do(func() { close(idx.stopCh) })
	<-idx.doneCh
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = idx.Flush(ctx)
	return idx.client.Close()
}
