package directmsg

import "time"

// Timeline is the ordered message list of one conversation. Entries are
// addressed by Key (server id or temporary id) through an index, so
// confirming an optimistic entry is a map lookup and keeps its position.
// Not safe for concurrent use; Thread guards it.
type Timeline struct {
	entries []Message
	byKey   map[string]int
	byTime  map[int64]int
}

// NewTimeline creates a timeline holding msgs in order.
func NewTimeline(msgs []Message) *Timeline {
	t := &Timeline{}
	t.Reset(msgs)
	return t
}

// Reset replaces the contents. Entries sharing a key keep the first.
func (t *Timeline) Reset(msgs []Message) {
	t.entries = make([]Message, 0, len(msgs))
	t.byKey = make(map[string]int, len(msgs))
	t.byTime = make(map[int64]int, len(msgs))
	for _, m := range msgs {
		if _, dup := t.byKey[m.Key()]; dup {
			continue
		}
		t.entries = append(t.entries, m)
		t.indexAt(len(t.entries) - 1)
	}
}

func (t *Timeline) indexAt(i int) {
	m := &t.entries[i]
	t.byKey[m.Key()] = i
	if !m.Pending() && !m.CreatedAt.IsZero() {
		t.byTime[m.CreatedAt.UnixNano()]++
	}
}

func (t *Timeline) reindex() {
	t.byKey = make(map[string]int, len(t.entries))
	t.byTime = make(map[int64]int, len(t.entries))
	for i := range t.entries {
		t.indexAt(i)
	}
}

// Messages returns a copy of the entries in display order.
func (t *Timeline) Messages() []Message {
	return append([]Message(nil), t.entries...)
}

// Get returns the entry with key.
func (t *Timeline) Get(key string) (Message, bool) {
	i, ok := t.byKey[key]
	if !ok {
		return Message{}, false
	}
	return t.entries[i], true
}

// Seen reports whether m duplicates a confirmed entry, by server id or,
// as a fallback, by identical creation time.
func (t *Timeline) Seen(m *Message) bool {
	if m.ID != "" {
		if _, ok := t.byKey[m.ID]; ok {
			return true
		}
	}
	if !m.CreatedAt.IsZero() && t.byTime[m.CreatedAt.UnixNano()] > 0 {
		return true
	}
	return false
}

// Append adds m at the end unless it is already present. It reports
// whether m was added.
func (t *Timeline) Append(m Message) bool {
	if _, ok := t.byKey[m.Key()]; ok {
		return false
	}
	if !m.Pending() && t.Seen(&m) {
		return false
	}
	t.entries = append(t.entries, m)
	t.indexAt(len(t.entries) - 1)
	return true
}

// Confirm replaces the optimistic entry tempID with confirmed in the same
// position. If confirmed is already present under its server id, the
// optimistic entry is removed instead so no second copy exists. A
// confirmation without a server id stays keyed by tempID. It reports
// whether tempID was found.
func (t *Timeline) Confirm(tempID string, confirmed Message) bool {
	i, ok := t.byKey[tempID]
	if !ok {
		return false
	}
	confirmed.Optimistic = false
	if confirmed.ID == "" {
		confirmed.TempID = tempID
		t.entries[i] = confirmed
		t.indexAt(i)
		return true
	}
	confirmed.TempID = ""
	if j, exists := t.byKey[confirmed.ID]; exists && j != i {
		t.removeAt(i)
		return true
	}
	delete(t.byKey, tempID)
	t.entries[i] = confirmed
	t.indexAt(i)
	return true
}

// Remove deletes the entry with key. It reports whether it was present.
func (t *Timeline) Remove(key string) bool {
	i, ok := t.byKey[key]
	if !ok {
		return false
	}
	t.removeAt(i)
	return true
}

func (t *Timeline) removeAt(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.reindex()
}

// Merge replaces the confirmed history with history while keeping any
// current entries history does not contain: pushes that raced the fetch
// and optimistic sends still in flight.
func (t *Timeline) Merge(history []Message) {
	prev := t.entries
	t.Reset(history)
	for _, m := range prev {
		if m.Pending() {
			if _, ok := t.byKey[m.Key()]; !ok {
				t.entries = append(t.entries, m)
				t.indexAt(len(t.entries) - 1)
			}
			continue
		}
		t.Append(m)
	}
}

// ============================================================================
// Display items
// ============================================================================

// ItemKind distinguishes display rows.
type ItemKind int

const (
	ItemMessage ItemKind = iota
	ItemDateSeparator
)

// TimelineItem is one display row: a date separator or a message.
type TimelineItem struct {
	Kind ItemKind
	// Date is the calendar day (midnight in the display location) of a
	// separator.
	Date    time.Time
	Message *Message
	// Grouped is set when the previous message has the same sender on the
	// same day. It affects spacing only.
	Grouped bool
}

// Items lays out msgs with a date separator before the first message and
// on every calendar-date change in loc.
func Items(msgs []Message, loc *time.Location) []TimelineItem {
	if loc == nil {
		loc = time.Local
	}
	out := make([]TimelineItem, 0, len(msgs)+1)
	var prev *Message
	var prevDay time.Time
	for i := range msgs {
		m := &msgs[i]
		day := calendarDay(m.CreatedAt, loc)
		newDay := prev == nil || !day.Equal(prevDay)
		if newDay {
			out = append(out, TimelineItem{Kind: ItemDateSeparator, Date: day})
		}
		out = append(out, TimelineItem{
			Kind:    ItemMessage,
			Message: m,
			Grouped: !newDay && prev.Sender.ID == m.Sender.ID,
		})
		prev = m
		prevDay = day
	}
	return out
}

func calendarDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
