package batching

import "github.com/google/uuid"

func newBatchID() string {
	return uuid.NewString()
}
