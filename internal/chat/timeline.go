package chat

import (
	"time"

	"github.com/studiolink/chat-backend/internal/models"
)

// TimelineItemType distinguishes rendered timeline entries.
type TimelineItemType string

const (
	// ItemDivider marks a calendar-day boundary between adjacent messages.
	ItemDivider TimelineItemType = "divider"

	// ItemMessage wraps one message.
	ItemMessage TimelineItemType = "message"
)

// TimelineItem is one rendered row: either a date divider or a message
// with its avatar visibility.
type TimelineItem struct {
	Type TimelineItemType `json:"type"`

	// Date is the divider's day (midnight, local time). Set only for
	// ItemDivider.
	Date time.Time `json:"date,omitempty"`

	// Message is set only for ItemMessage.
	Message *models.LocalMessage `json:"message,omitempty"`

	// ShowAvatar is false for consecutive messages from the same sender
	// within a day group.
	ShowAvatar bool `json:"show_avatar,omitempty"`
}

// BuildTimeline projects the ordered message list into rendered rows: a
// divider whenever the calendar day changes between adjacent messages, and
// avatar suppression for same-sender runs within a day. Pure function over
// its input; the list is never mutated and the projection is recomputed on
// every change.
func BuildTimeline(msgs []models.LocalMessage, loc *time.Location) []TimelineItem {
	if loc == nil {
		loc = time.Local
	}

	items := make([]TimelineItem, 0, len(msgs)+4)
	var lastDay time.Time
	lastSender := ""

	for i := range msgs {
		m := &msgs[i]
		day := dayOf(m.CreatedAt, loc)
		if i == 0 || !day.Equal(lastDay) {
			items = append(items, TimelineItem{Type: ItemDivider, Date: day})
			lastDay = day
			lastSender = "" // avatar runs reset at day boundaries
		}
		items = append(items, TimelineItem{
			Type:       ItemMessage,
			Message:    m,
			ShowAvatar: m.SenderID != lastSender,
		})
		lastSender = m.SenderID
	}
	return items
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
