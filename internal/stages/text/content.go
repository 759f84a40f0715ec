// Package text is C10 (text-LLM expansion + merge) and C11 (thread
// assignment): it turns freshly inserted context nodes into vector
// documents, folds duplicates into an existing node, and assigns each
// batch's nodes to a narrative thread.
package text

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"screenloom/internal/store"
)

// buildTextContent rebuilds the embeddable projection of a node from its
// current fields, the way the embedding stage (C12) expects to receive it
// whenever the node's narrative content changes.
func buildTextContent(n store.ContextNode) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n")
	b.WriteString(n.Summary)
	if len(n.Keywords) > 0 {
		b.WriteString("\nkeywords: ")
		b.WriteString(strings.Join(n.Keywords, ", "))
	}
	if len(n.Entities) > 0 {
		b.WriteString("\nentities: ")
		b.WriteString(strings.Join(n.Entities, ", "))
	}
	return b.String()
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func vectorIDForNode(nodeID int64) string {
	return "node:" + strconv.FormatInt(nodeID, 10)
}

func nodeMetaPayload(n store.ContextNode) string {
	b, _ := json.Marshal(map[string]any{
		"kind":        n.Kind,
		"thread_id":   n.ThreadID,
		"importance":  n.Importance,
		"confidence":  n.Confidence,
		"event_time":  n.EventTime,
	})
	return string(b)
}

// upsertNodeDocument rebuilds and upserts a node's vector document, the
// hash-idempotent trigger every content-changing node write fires.
func upsertNodeDocument(ctx context.Context, st *store.Store, n store.ContextNode) (int64, error) {
	content := buildTextContent(n)
	return st.UpsertVectorDocument(ctx, store.VectorDocument{
		VectorID:    vectorIDForNode(n.ID),
		RefID:       n.ID,
		DocType:     n.Kind,
		TextContent: content,
		TextHash:    hashText(content),
		MetaPayload: nodeMetaPayload(n),
	})
}
