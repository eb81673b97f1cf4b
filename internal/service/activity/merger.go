// Package activity assembles the recent-activity feed: conversations and
// voice sessions merged into one recency-ordered list.
package activity

import (
	"sort"

	"forma/internal/domain/models/cad"
)

// Merge interleaves conversations and voice sessions into a single feed
// ordered by timestamp descending, truncated to limit (limit <= 0 means
// no cap). Conversations sort by last-update time, voice sessions by
// start time. On equal timestamps conversations come first; within a
// kind, input order is preserved.
func Merge(conversations []cad.Conversation, sessions []cad.VoiceSession, limit int) []cad.ActivityItem {
	items := make([]cad.ActivityItem, 0, len(conversations)+len(sessions))

	for i := range conversations {
		conv := conversations[i]
		items = append(items, cad.ActivityItem{
			Kind:         cad.ActivityKindConversation,
			Timestamp:    conv.UpdatedAt,
			Conversation: &conv,
		})
	}
	for i := range sessions {
		sess := sessions[i]
		items = append(items, cad.ActivityItem{
			Kind:         cad.ActivityKindVoiceSession,
			Timestamp:    sess.StartedAt,
			VoiceSession: &sess,
		})
	}

	// Stable: the tie rule falls out of conversations being appended
	// first and input order surviving within each kind.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
