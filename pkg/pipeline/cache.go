package pipeline

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

const initialCacheSize = 16

type cacheSlot struct {
	id  int
	msg *message.Message
}

// OutboundCache keeps the messages we sent, indexed by their message ID,
// so replies can be correlated with their request.
//
// Messages live in slot id modulo the size of the storage. The storage
// doubles when a slot is taken, up to the cache window. Past the window
// the older message of the slot is evicted.
type OutboundCache struct {
	lk     sync.Mutex
	slots  []cacheSlot
	next   int
	count  int
	window int

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewOutboundCache returns an empty cache. Its window is rounded up to a
// power of two.
func NewOutboundCache(opts ...Option) *OutboundCache {
	o := newOptions(opts)
	window := 1
	for window < o.cacheWindow {
		window <<= 1
	}
	return &OutboundCache{
		slots:  make([]cacheSlot, min(initialCacheSize, window)),
		next:   1,
		window: window,
		logger: o.logger.With(telemetry.LabelStage.L("cache")),
		msink:  o.msink,
		labels: o.labels,
	}
}

// FreeID allocates the next message ID. IDs strictly increase and an ID
// occupied by a message added out of sequence is skipped.
func (c *OutboundCache) FreeID() int {
	c.lk.Lock()
	defer c.lk.Unlock()

	for {
		id := c.next
		c.next++
		if c.lookup(id) != nil {
			c.logger.Warn("allocator collided with an occupied slot, skipping",
				telemetry.LabelMsgID.L(id),
			)
			continue
		}
		return id
	}
}

// Add stores msg under the ID found in its msgID field.
func (c *OutboundCache) Add(msg *message.Message) error {
	raw, ok := msg.NRSField(message.FieldMsgID)
	if !ok {
		return c.reject(msg, fmt.Errorf("%w: missing", ErrInvalidMessageID))
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return c.reject(msg, fmt.Errorf("%w: %q", ErrInvalidMessageID, raw))
	}
	if id <= message.NoID {
		return c.reject(msg, fmt.Errorf("%w: %d is not positive", ErrInvalidMessageID, id))
	}

	c.lk.Lock()
	var evicted *cacheSlot
	for {
		slot := &c.slots[id%len(c.slots)]
		if slot.msg == nil || slot.id == id {
			if slot.msg == nil {
				c.count++
			}
			*slot = cacheSlot{id: id, msg: msg}
			break
		}
		if len(c.slots) < c.window {
			c.grow()
			continue
		}
		old := *slot
		evicted = &old
		*slot = cacheSlot{id: id, msg: msg}
		break
	}
	if id >= c.next {
		c.next = id + 1
	}
	count := c.count
	c.lk.Unlock()

	if evicted != nil {
		c.logger.Debug("cache window full, request evicted",
			telemetry.LabelMsgID.L(evicted.id),
			telemetry.LabelMsgType.L(evicted.msg.Type()),
		)
		c.msink.IncrCounterWithLabels(telemetry.MetricCacheEvictCount, 1, c.labels)
	}
	c.msink.IncrCounterWithLabels(telemetry.MetricCacheStoreCount, 1, c.labels)
	c.msink.SetGaugeWithLabels(telemetry.MetricCacheSize, float32(count), c.labels)
	return nil
}

func (c *OutboundCache) reject(msg *message.Message, err error) error {
	c.logger.Warn("message not cached",
		"msg", msg,
		telemetry.LabelError.L(err),
	)
	c.msink.IncrCounterWithLabels(telemetry.MetricCacheRejectCount, 1, c.labels)
	return err
}

// grow doubles the storage without exceeding the window, lk must be
// held. Sizes are powers of two so messages never collide when moved.
func (c *OutboundCache) grow() {
	slots := make([]cacheSlot, min(2*len(c.slots), c.window))
	for _, slot := range c.slots {
		if slot.msg != nil {
			slots[slot.id%len(slots)] = slot
		}
	}
	c.slots = slots
}

// lookup returns the slot holding id, lk must be held.
func (c *OutboundCache) lookup(id int) *cacheSlot {
	if id <= message.NoID {
		return nil
	}
	slot := &c.slots[id%len(c.slots)]
	if slot.msg == nil || slot.id != id {
		return nil
	}
	return slot
}

func (c *OutboundCache) Get(id int) (*message.Message, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	slot := c.lookup(id)
	if slot == nil {
		return nil, false
	}
	return slot.msg, true
}

func (c *OutboundCache) Contains(id int) bool {
	_, ok := c.Get(id)
	return ok
}

func (c *OutboundCache) Remove(id int) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if slot := c.lookup(id); slot != nil {
		*slot = cacheSlot{}
		c.count--
	}
}

func (c *OutboundCache) Count() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.count
}
