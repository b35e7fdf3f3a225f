package core

import (
	"time"

	"gwi.com/chatsync/internal/store"
)

// DefaultSupersedeWindow is how far apart a confirmed row and a pending entry
// with the same role and content may be and still count as one message.
const DefaultSupersedeWindow = 30 * time.Second

// Supersedes reports whether the confirmed row stands for the pending entry.
// Idempotency keys are compared first; rows written without one fall back to
// content, role and a strict time window.
func Supersedes(row, pending store.Message, window time.Duration) bool {
	if row.ClientID != "" && pending.ClientID != "" {
		return row.ClientID == pending.ClientID
	}
	if row.Role != pending.Role || row.Content != pending.Content {
		return false
	}
	d := row.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < window
}

// Reconcile merges confirmed rows (oldest first) with pending entries. A
// superseded sending entry is dropped. A superseded errored entry takes the
// place of its row so the failure stays visible without rendering twice.
// Pending entries with no matching row are appended in overlay order.
func Reconcile(confirmed, pending []store.Message, window time.Duration) []store.Message {
	out := make([]store.Message, len(confirmed), len(confirmed)+len(pending))
	copy(out, confirmed)
	claimed := make([]bool, len(confirmed))

	for _, p := range pending {
		idx := -1
		for i := range confirmed {
			if !claimed[i] && Supersedes(confirmed[i], p, window) {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			out = append(out, p)
		case p.Status == store.StatusError:
			claimed[idx] = true
			out[idx] = p
		default:
			claimed[idx] = true
		}
	}
	return out
}
