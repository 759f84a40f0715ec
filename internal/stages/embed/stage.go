// Package embed is C12: embeds a vector document's text content and hands
// the resulting vector to the ANN index adapter, as two independent
// claimable subtasks (embedding, then indexing) per the spec's ordering
// invariant that indexing never starts before embedding succeeds.
package embed

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/store"
	"screenloom/internal/usage"
	"screenloom/internal/vectorindex"
)

// Config bounds the embedding call's timeout and retry ceiling.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Stage drives one vector document through embedding and, separately,
// ANN indexing.
type Stage struct {
	store    *store.Store
	runtime  *airuntime.Runtime
	provider aiproviders.EmbeddingProvider
	index    *vectorindex.Index
	recorder *usage.Recorder
	cfg      Config
}

// New builds an embed/index stage.
func New(st *store.Store, rt *airuntime.Runtime, provider aiproviders.EmbeddingProvider, idx *vectorindex.Index, rec *usage.Recorder, cfg Config) *Stage {
	return &Stage{store: st, runtime: rt, provider: provider, index: idx, recorder: rec, cfg: cfg}
}

// ProcessEmbedding embeds one claimed vector document's text content.
func (s *Stage) ProcessEmbedding(ctx context.Context, docID int64) error {
	doc, err := s.store.GetVectorDocument(ctx, docID)
	if err != nil {
		return s.failEmbedding(ctx, docID, 0, fmt.Errorf("load document: %w", err))
	}

	release, err := s.runtime.Acquire(ctx, airuntime.CapEmbedding)
	if err != nil {
		return s.failEmbedding(ctx, docID, doc.EmbeddingAttempts, apperr.Transient("embedding_permit_denied", "embedding capacity unavailable", err))
	}
	defer release()

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	vecs, err := s.provider.Embed(callCtx, []string{doc.TextContent})
	latency := time.Since(start)

	if err != nil {
		perr := classifyEmbedError(err)
		s.recordUsage(ctx, "failed", perr.Code, latency)
		s.runtime.RecordFailure(airuntime.CapEmbedding, perr, apperr.TripsBreaker(perr))
		return s.failEmbedding(ctx, docID, doc.EmbeddingAttempts, perr)
	}
	if len(vecs) != 1 {
		perr := apperr.Validation("embedding_shape_mismatch", "embedding provider returned an unexpected vector count", nil)
		return s.failEmbedding(ctx, docID, doc.EmbeddingAttempts, perr)
	}
	s.recordUsage(ctx, "succeeded", "", latency)
	s.runtime.RecordSuccess(airuntime.CapEmbedding)

	if err := s.store.FinishEmbeddingSuccess(ctx, docID, encodeVector(vecs[0])); err != nil {
		return fmt.Errorf("finish embedding success: %w", err)
	}
	return nil
}

// ProcessIndexing pushes one claimed vector document's embedding into the
// ANN index and marks the index subtask done.
func (s *Stage) ProcessIndexing(ctx context.Context, docID int64) error {
	doc, err := s.store.GetVectorDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	vec := decodeVector(doc.Embedding)
	if err := s.index.Upsert(ctx, vectorindex.Point{ID: doc.ID, Vector: vec, Metadata: map[string]string{"doc_type": doc.DocType}}); err != nil {
		if ferr := s.store.FinishIndexingFailure(ctx, docID, doc.IndexAttempts, s.maxAttempts(), defaultBackoff(), 2*time.Second); ferr != nil {
			return fmt.Errorf("finish indexing failure: %w (original: %w)", ferr, err)
		}
		return fmt.Errorf("upsert into index: %w", err)
	}
	return s.store.FinishIndexingSuccess(ctx, docID)
}

func (s *Stage) failEmbedding(ctx context.Context, docID int64, attempts int, err error) error {
	if ferr := s.store.FinishEmbeddingFailure(ctx, docID, attempts, s.maxAttempts(), defaultBackoff(), 2*time.Second); ferr != nil {
		return fmt.Errorf("finish embedding failure: %w (original: %w)", ferr, err)
	}
	return err
}

func (s *Stage) maxAttempts() int {
	if s.cfg.MaxAttempts > 0 {
		return s.cfg.MaxAttempts
	}
	return 8
}

func (s *Stage) recordUsage(ctx context.Context, status, errCode string, latency time.Duration) {
	_ = s.recorder.RecordCall(ctx, usage.Call{Capability: string(airuntime.CapEmbedding), Operation: "embed", Status: status, ErrorCode: errCode, Latency: latency})
}

func classifyEmbedError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("embedding_call_failed", err.Error(), err)
}

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}

// encodeVector packs a float32 vector into a little-endian byte blob, the
// binary on-disk form vector_documents.embedding stores.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
