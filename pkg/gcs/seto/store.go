package seto

import (
	"time"

	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/wangjia184/sortedset"
)

// A received application message, held until uniform delivery or flush.
type record struct {
	event  types.Event
	header types.DataHeader

	// When the message should be optimistically delivered.
	fast time.Time

	// Assigned global order, zero while not regular delivered.
	order uint64

	optimistic bool
	regular    bool
}

// The order the sequencer assigned for a message, held until regular
// delivery.
type ordered struct {
	header   types.SeqHeader
	received time.Time
}

// Pending messages, sorted by sender sequence number and then sender
// rank, which is the deterministic flush order.
type pendingStore struct {
	set *sortedset.SortedSet
}

func newPendingStore() *pendingStore {
	return &pendingStore{set: sortedset.New()}
}

func flushScore(h types.DataHeader) sortedset.SCORE {
	return sortedset.SCORE(int64(h.SN)<<16 | int64(h.Sender))
}

func (p *pendingStore) Add(r *record) {
	p.set.AddOrUpdate(r.header.Key().String(), flushScore(r.header), r)
}

func (p *pendingStore) Get(key types.MessageKey) *record {
	node := p.set.GetByKey(key.String())
	if node == nil {
		return nil
	}
	return node.Value.(*record)
}

func (p *pendingStore) Remove(key types.MessageKey) {
	p.set.Remove(key.String())
}

// Earlier returns the messages of the same sender with a lower
// sequence number, lowest first.
func (p *pendingStore) Earlier(h types.DataHeader) []*record {
	nodes := p.set.GetByScoreRange(flushScore(types.DataHeader{Sender: h.Sender}), flushScore(h), &sortedset.GetByScoreRangeOptions{
		ExcludeEnd: true,
	})
	var found []*record
	for _, node := range nodes {
		if r := node.Value.(*record); r.header.Sender == h.Sender {
			found = append(found, r)
		}
	}
	return found
}

// PopLowest removes the next message on the flush order.
func (p *pendingStore) PopLowest() *record {
	node := p.set.PopMin()
	if node == nil {
		return nil
	}
	return node.Value.(*record)
}

func (p *pendingStore) Len() int {
	return p.set.GetCount()
}

// Sequencer orders, sorted by the global order.
type orderStore struct {
	set *sortedset.SortedSet
}

func newOrderStore() *orderStore {
	return &orderStore{set: sortedset.New()}
}

func (o *orderStore) Add(entry *ordered) {
	o.set.AddOrUpdate(entry.header.Key().String(), sortedset.SCORE(entry.header.Order), entry)
}

func (o *orderStore) Contains(key types.MessageKey) bool {
	return o.set.GetByKey(key.String()) != nil
}

// Lowest returns the entry with the smallest order without removing it.
func (o *orderStore) Lowest() *ordered {
	node := o.set.PeekMin()
	if node == nil {
		return nil
	}
	return node.Value.(*ordered)
}

func (o *orderStore) Remove(key types.MessageKey) {
	o.set.Remove(key.String())
}

func (o *orderStore) Len() int {
	return o.set.GetCount()
}
