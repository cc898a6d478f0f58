package notify

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// MaxExcerpt bounds the review text quoted in a message, in runes.
const MaxExcerpt = 500

// FormatEvent renders a new review as a Slack mrkdwn message.
func FormatEvent(appName string, ev review.Event) string {
	var b strings.Builder
	b.WriteString(headline(appName, ev.Entity.Bucket))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "*Author:* %s\n", ev.Item.Author)
	fmt.Fprintf(&b, "*Date:* %s\n", ev.Item.Timestamp)
	fmt.Fprintf(&b, "*Link:* %s", ev.Item.URI)
	if body := excerpt(ev.Item.Body, MaxExcerpt); body != "" {
		fmt.Fprintf(&b, "\n*Review:* %s", body)
	}
	return b.String()
}

func headline(appName string, b review.Bucket) string {
	switch b {
	case 1:
		return fmt.Sprintf("🚨 *New 1-Star Negative Review (App: %s)* 🚨", appName)
	case 2:
		return fmt.Sprintf("⚠️ *New 2-Star Negative Review (App: %s)* ⚠️", appName)
	default:
		return fmt.Sprintf("⭐ *New %d-Star Review (App: %s)*", int(b), appName)
	}
}

// FormatHeartbeat renders the message sent when a run found nothing new.
func FormatHeartbeat(sum review.Summary) string {
	return fmt.Sprintf("✅ Review monitor: no new reviews (%d checked, %d failed)", sum.Checked, len(sum.Failed))
}

// FormatFailures renders the alert listing entities whose retrieval failed.
func FormatFailures(sum review.Summary) string {
	keys := make([]string, len(sum.Failed))
	for i, e := range sum.Failed {
		keys[i] = e.Key()
	}
	return fmt.Sprintf("🚨 ERROR: Review monitor could not fetch %s. Check page layout.", strings.Join(keys, ", "))
}

// FormatFatal renders the alert for an aborted run.
func FormatFatal(err error) string {
	return fmt.Sprintf("🚨 FATAL ERROR: Review monitor run failed! Error: %v", err)
}

// excerpt trims s to at most n runes, marking the cut with an ellipsis.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
