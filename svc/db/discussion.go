package db

import (
	"sort"
	"strconv"
	"strings"

	"crybin/pkg/domain"
)

// Discussion collects the comments of one paste under slot keys derived from
// their creation time. Comments sharing a timestamp T land in T, T.1, T.2...
type Discussion struct {
	slots map[string]*domain.Comment
}

func NewDiscussion() *Discussion {
	return &Discussion{slots: make(map[string]*domain.Comment)}
}

// Add files c under the first free slot for its timestamp and returns the slot.
func (d *Discussion) Add(c *domain.Comment) string {
	key := OpenSlot(d.slots, c.Created())
	d.slots[key] = c
	return key
}

// OpenSlot returns the first unused slot for timestamp ts.
func OpenSlot(taken map[string]*domain.Comment, ts int64) string {
	base := strconv.FormatInt(ts, 10)
	key := base
	for n := 1; ; n++ {
		if _, ok := taken[key]; !ok {
			return key
		}
		key = base + "." + strconv.Itoa(n)
	}
}

// Slots returns the occupied slot keys in discussion order.
func (d *Discussion) Slots() []string {
	keys := make([]string, 0, len(d.slots))
	for k := range d.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, si := splitSlot(keys[i])
		tj, sj := splitSlot(keys[j])
		if ti != tj {
			return ti < tj
		}
		return si < sj
	})
	return keys
}

// Comments returns the collected comments in discussion order.
func (d *Discussion) Comments() []*domain.Comment {
	keys := d.Slots()
	out := make([]*domain.Comment, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.slots[k])
	}
	return out
}

func (d *Discussion) Len() int { return len(d.slots) }

func splitSlot(key string) (int64, int) {
	base, suffix, _ := strings.Cut(key, ".")
	ts, _ := strconv.ParseInt(base, 10, 64)
	n, _ := strconv.Atoi(suffix)
	return ts, n
}
