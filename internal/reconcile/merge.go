package reconcile

import "advisorlink/internal/store"

// Merge combines a local conversation log with a server-reported one.
//
// The server is authoritative for any message id it reports: its copy of
// the message replaces the local one. Messages that exist only locally
// are never dropped; they are appended after the server-ordered prefix,
// preserving their relative local order. Every id from either input
// appears exactly once in the result.
//
// An empty server log means the server has nothing to say, not that the
// conversation is empty: the local log is returned unchanged.
func Merge(local, server []store.Message) ([]store.Message, bool) {
	if len(server) == 0 {
		return local, false
	}

	serverIDs := make(map[string]struct{}, len(server))
	merged := make([]store.Message, 0, len(server)+len(local))

	for _, m := range server {
		if _, dup := serverIDs[m.ID]; dup {
			continue
		}
		serverIDs[m.ID] = struct{}{}
		m.Origin = store.OriginServer
		merged = append(merged, m)
	}

	for _, m := range local {
		if _, known := serverIDs[m.ID]; known {
			continue
		}
		merged = append(merged, m)
	}

	return merged, !equalLogs(local, merged)
}

func equalLogs(a, b []store.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].Role != b[i].Role ||
			a[i].Content != b[i].Content ||
			a[i].TimestampNs != b[i].TimestampNs {
			return false
		}
	}
	return true
}
