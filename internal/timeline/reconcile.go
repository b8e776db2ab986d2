package timeline

import (
	"sort"
	"time"
)

// Matching windows for reconciling server echoes against local state.
// The pending window is generous because it spans a full send round
// trip; the duplicate window only has to absorb double delivery.
const (
	pendingMatchWindow   = 30 * time.Second
	duplicateMatchWindow = 5 * time.Second
)

// Apply merges one inbound event into the timeline and returns the next
// timeline. The input slice is never mutated, so interleavings of
// cache loads and live events commute with respect to final content.
//
// Resolution order: exact id match (idempotent overwrite), pending
// optimistic-send confirmation, near-duplicate suppression, append.
func Apply(current []Message, incoming Message) []Message {
	next := make([]Message, len(current))
	copy(next, current)

	// An event with no sender discriminator defaults to bot, but the
	// duplicate check below still lets it match a user entry: a bare
	// echo of the user's own send carries no sender either.
	senderUnset := incoming.Sender == ""
	if senderUnset {
		incoming.Sender = SenderBot
	}

	// Exact id match: overwrite in place and mark delivered. Handles
	// duplicate delivery of the same id.
	for i, existing := range next {
		if existing.ID == incoming.ID {
			incoming.DeliveryStatus = StatusDelivered
			next[i] = incoming
			return next
		}
	}

	// Optimistic-send confirmation: a pending local user message with
	// identical text close in time is this event's earlier self. The
	// confirmed send keeps sender=user regardless of what the server
	// assigned.
	if incoming.Text != "" {
		for i, existing := range next {
			if existing.DeliveryStatus == StatusPending &&
				existing.Sender == SenderUser &&
				existing.Text == incoming.Text &&
				within(existing, incoming, pendingMatchWindow) {
				incoming.Sender = SenderUser
				incoming.DeliveryStatus = StatusDelivered
				next[i] = incoming
				return next
			}
		}
	}

	// Near-duplicate: identical text and sender within a short window
	// but under a different id. Upgrade a temporary id to the incoming
	// permanent one; otherwise drop the repeat.
	for i, existing := range next {
		if existing.Text == incoming.Text &&
			sendersMatch(existing.Sender, incoming.Sender, senderUnset) &&
			within(existing, incoming, duplicateMatchWindow) {
			if IsTempID(existing.ID) && !IsTempID(incoming.ID) {
				existing.ID = incoming.ID
				existing.DeliveryStatus = StatusDelivered
				next[i] = existing
			}
			return next
		}
	}

	incoming.DeliveryStatus = StatusDelivered
	return append(next, incoming)
}

// MarkFailed transitions the message with the given id to failed
// status. The entry stays visible so the UI can offer a retry.
func MarkFailed(current []Message, id string) []Message {
	next := make([]Message, len(current))
	copy(next, current)
	for i := range next {
		if next[i].ID == id {
			next[i].DeliveryStatus = StatusFailed
		}
	}
	return next
}

// MergeHistory unions cached and server-fetched messages by id, with
// the fetched copy winning on collision, sorted by timestamp ascending.
func MergeHistory(cached, fetched []Message) []Message {
	byID := make(map[string]int, len(cached)+len(fetched))
	merged := make([]Message, 0, len(cached)+len(fetched))

	for _, m := range cached {
		byID[m.ID] = len(merged)
		merged = append(merged, m)
	}
	for _, m := range fetched {
		if m.DeliveryStatus == "" || m.DeliveryStatus == StatusPending {
			m.DeliveryStatus = StatusDelivered
		}
		if idx, ok := byID[m.ID]; ok {
			merged[idx] = m
			continue
		}
		byID[m.ID] = len(merged)
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time().Before(merged[j].Time())
	})
	return merged
}

func within(a, b Message, window time.Duration) bool {
	d := a.Time().Sub(b.Time())
	if d < 0 {
		d = -d
	}
	return d <= window
}

// sendersMatch treats an unset incoming sender and an existing user
// entry as equivalent so a bare echo can still be recognized as the
// user's own message
func sendersMatch(existing, incoming Sender, incomingUnset bool) bool {
	if existing == incoming {
		return true
	}
	return existing == SenderUser && incomingUnset
}
