package change

import "github.com/hazyhaar/revwatch/revwatch/review"

// ExtractNew scans snapshot, newest first, up to the item whose id is
// lastSeenID and returns the items before it in chronological order
// (oldest new item first), together with the id of the newest item as the
// next boundary.
//
// With no lastSeenID there is no boundary to stop at: nothing is reported
// and the boundary is simply established. An empty snapshot yields no
// items and an empty boundary, which the caller must not commit.
//
// Items without an id are skipped; a repeated id is reported once.
func ExtractNew(snapshot []review.Item, lastSeenID string) ([]review.Item, string) {
	boundary := ""
	for _, it := range snapshot {
		if it.ID != "" {
			boundary = it.ID
			break
		}
	}
	if boundary == "" || lastSeenID == "" {
		return nil, boundary
	}

	var collected []review.Item
	seen := make(map[string]bool)
	for _, it := range snapshot {
		if it.ID == "" || seen[it.ID] {
			continue
		}
		if it.ID == lastSeenID {
			break
		}
		seen[it.ID] = true
		collected = append(collected, it)
	}

	out := make([]review.Item, len(collected))
	for i, it := range collected {
		out[len(collected)-1-i] = it
	}
	return out, boundary
}
