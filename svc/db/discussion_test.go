package db

import (
	"testing"

	"crybin/pkg/domain"

	"github.com/stretchr/testify/assert"
)

func TestDiscussionSameTimestamp(t *testing.T) {
	d := NewDiscussion()
	var slots []string
	for _, id := range []string{"x", "y", "z"} {
		slots = append(slots, d.Add(&domain.Comment{ID: id, Meta: domain.Meta{Created: 1700000000}}))
	}
	assert.Equal(t, []string{"1700000000", "1700000000.1", "1700000000.2"}, slots)
	assert.Equal(t, 3, d.Len())

	var order []string
	for _, c := range d.Comments() {
		order = append(order, c.ID)
	}
	assert.Equal(t, []string{"x", "y", "z"}, order)
}

func TestDiscussionOrder(t *testing.T) {
	d := NewDiscussion()
	d.Add(&domain.Comment{ID: "late", Meta: domain.Meta{Created: 20}})
	for i := 0; i < 11; i++ {
		d.Add(&domain.Comment{Meta: domain.Meta{Created: 10}})
	}
	d.Add(&domain.Comment{ID: "legacy", Meta: domain.Meta{PostDate: 5}})

	slots := d.Slots()
	assert.Equal(t, "5", slots[0])
	assert.Equal(t, "10", slots[1])
	assert.Equal(t, "10.1", slots[2])
	// numeric suffix order, not lexical
	assert.Equal(t, "10.2", slots[3])
	assert.Equal(t, "10.10", slots[11])
	assert.Equal(t, "20", slots[12])
}

func TestOpenSlot(t *testing.T) {
	taken := map[string]*domain.Comment{"7": {}, "7.1": {}}
	assert.Equal(t, "7.2", OpenSlot(taken, 7))
	assert.Equal(t, "8", OpenSlot(taken, 8))
}
