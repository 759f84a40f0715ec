package bus

// Hard caps on request/response previews kept in the trace recorder (C3),
// so a single verbose AI call can't balloon memory.
const (
	MaxResponsePreviewBytes = 12 * 1024
	MaxErrorPreviewBytes    = 1 * 1024
)

// TruncatePreview clips s to max bytes, appending a marker so callers can
// tell a preview was cut rather than naturally short.
func TruncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}
