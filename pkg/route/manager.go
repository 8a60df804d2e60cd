// Package route keeps the routes to other components and discovers the
// missing ones by broadcasting queries.
//
// A route is a comma-separated list of hops, each hop being
// `port/address`. The empty route designates the component itself.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/raskyld/nrs/pkg/telemetry"
)

var (
	ErrRouteNotFound = errors.New("route: no route to component")
)

// Entry is a line of the routing table.
type Entry struct {
	CID   string
	Route string
}

// Manager resolves component IDs into routes.
//
// Lookups read an immutable snapshot of the table and never block.
// Writers serialize on lk, which also guards the pending queries and the
// waiters.
type Manager struct {
	ownCID   func() string
	outbound pipeline.Processor

	table atomic.Pointer[iradix.Tree]

	lk      sync.Mutex
	pending map[string]time.Time
	waiters map[string][]chan string

	timeout   time.Duration
	hopCount  int
	replyVNID int
	now       func() time.Time

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// New returns a Manager submitting its queries to outbound.
func New(ownCID func() string, outbound pipeline.Processor, opts ...Option) *Manager {
	cfg := newConfig(opts)
	m := &Manager{
		ownCID:    ownCID,
		outbound:  outbound,
		pending:   make(map[string]time.Time),
		waiters:   make(map[string][]chan string),
		timeout:   cfg.timeout,
		hopCount:  cfg.hopCount,
		replyVNID: cfg.replyVNID,
		now:       cfg.now,
		logger:    cfg.logger.With(telemetry.LabelStage.L("route")),
		msink:     cfg.msink,
		labels:    cfg.labels,
	}
	m.table.Store(iradix.New())
	return m
}

// Resolve returns the route to cid. On a miss with allowRemote, a query
// is broadcast unless one for the same component is still pending; the
// answer only benefits later calls.
func (m *Manager) Resolve(cid string, allowRemote bool) (string, bool) {
	if cid == m.ownCID() {
		return "", true
	}
	if route, ok := m.lookup(cid); ok {
		return route, true
	}
	if allowRemote {
		m.query(cid)
	}
	return "", false
}

func (m *Manager) lookup(cid string) (string, bool) {
	val, ok := m.table.Load().Get([]byte(cid))
	if !ok {
		return "", false
	}
	return val.(string), true
}

func (m *Manager) query(cid string) {
	m.lk.Lock()
	now := m.now()
	if deadline, ok := m.pending[cid]; ok && now.Before(deadline) {
		m.lk.Unlock()
		return
	}
	m.pending[cid] = now.Add(m.timeout)
	m.lk.Unlock()

	msg := message.New(message.TypeQueryRoute)
	msg.SetNRSField(message.FieldRoute, "")
	msg.SetNRSField(message.FieldToVNID, "")
	msg.SetNRSField(message.FieldReturnRoute, "")
	msg.SetNRSInt(message.FieldReturnToVNID, m.replyVNID)
	msg.SetNRSInt(message.FieldMsgID, message.UnstampedID)
	msg.SetNRSField(message.FieldSourceCID, m.ownCID())
	message.TagBroadcast(msg, cid, m.hopCount)

	m.logger.Debug("querying route", telemetry.LabelCID.L(cid))
	m.msink.IncrCounterWithLabels(telemetry.MetricRouteQueryCount, 1, m.labels)
	m.outbound.Deliver(msg, nil)
}

// Handle learns routes from ReplyRoute messages. Every message is
// forwarded.
func (m *Manager) Handle(msg *message.Message, _ pipeline.Processor) pipeline.Verdict {
	if msg.Type() == message.TypeReplyRoute {
		m.learn(msg)
	}
	return pipeline.Forward()
}

func (m *Manager) learn(msg *message.Message) {
	original := msg.Aux().Original
	if original == nil {
		m.logger.Debug("route reply without a known request", "msg", msg)
		return
	}
	if original.Type() != message.TypeQueryRoute {
		m.logger.Warn("route reply correlated to a foreign request",
			"msg", msg,
			"request", original,
		)
		return
	}
	cid, err := original.CheckNRSField(message.FieldTargetCID)
	if err != nil {
		m.logger.Warn("route request without a target", telemetry.LabelError.L(err))
		return
	}
	route, err := msg.CheckNRSField(message.FieldForwardRoute)
	if err != nil {
		m.logger.Warn("route reply without a route",
			telemetry.LabelCID.L(cid),
			telemetry.LabelError.L(err),
		)
		return
	}

	m.AddRoute(cid, route)
	m.msink.IncrCounterWithLabels(telemetry.MetricRouteLearnedCount, 1, m.labels)
}

// AddRoute records or overwrites the route to cid and wakes up whoever
// awaits it.
func (m *Manager) AddRoute(cid, route string) {
	m.lk.Lock()
	table, old, updated := m.table.Load().Insert([]byte(cid), route)
	m.table.Store(table)
	delete(m.pending, cid)
	waiters := m.waiters[cid]
	delete(m.waiters, cid)
	m.lk.Unlock()

	if updated && old.(string) != route {
		m.logger.Info("route replaced",
			telemetry.LabelCID.L(cid),
			telemetry.LabelRoute.L(route),
			"previous", old,
		)
	} else if !updated {
		m.logger.Info("route learned",
			telemetry.LabelCID.L(cid),
			telemetry.LabelRoute.L(route),
		)
	}
	m.msink.SetGaugeWithLabels(telemetry.MetricRouteEntries, float32(table.Len()), m.labels)

	for _, waiter := range waiters {
		waiter <- route
	}
}

// RemoveRoute forgets the route to cid.
func (m *Manager) RemoveRoute(cid string) {
	m.lk.Lock()
	table, _, deleted := m.table.Load().Delete([]byte(cid))
	if deleted {
		m.table.Store(table)
	}
	m.lk.Unlock()

	if deleted {
		m.logger.Info("route removed", telemetry.LabelCID.L(cid))
		m.msink.SetGaugeWithLabels(telemetry.MetricRouteEntries, float32(table.Len()), m.labels)
	}
}

// Routes returns the whole table, ordered by CID.
func (m *Manager) Routes() []Entry {
	return m.Scan("")
}

// Scan returns the entries whose CID starts with prefix, ordered by CID.
func (m *Manager) Scan(prefix string) []Entry {
	var entries []Entry
	m.table.Load().Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		entries = append(entries, Entry{CID: string(k), Route: v.(string)})
		return false
	})
	return entries
}

// Pending returns the components we are still waiting an answer from.
func (m *Manager) Pending() []string {
	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.now()
	var cids []string
	for cid, deadline := range m.pending {
		if now.Before(deadline) {
			cids = append(cids, cid)
		} else {
			delete(m.pending, cid)
		}
	}
	slices.Sort(cids)
	return cids
}

// Await blocks until a route to cid is known or ctx is done. A query is
// sent again each time the previous one expires.
func (m *Manager) Await(ctx context.Context, cid string) (string, error) {
	if route, ok := m.Resolve(cid, false); ok {
		return route, nil
	}

	waiter := make(chan string, 1)
	m.lk.Lock()
	if route, ok := m.lookup(cid); ok {
		m.lk.Unlock()
		return route, nil
	}
	m.waiters[cid] = append(m.waiters[cid], waiter)
	m.lk.Unlock()
	defer m.forget(cid, waiter)

	retry := time.NewTimer(0)
	defer retry.Stop()
	for {
		select {
		case route := <-waiter:
			return route, nil
		case <-retry.C:
			if route, ok := m.Resolve(cid, true); ok {
				return route, nil
			}
			retry.Reset(m.timeout)
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s: %w", ErrRouteNotFound, cid, ctx.Err())
		}
	}
}

func (m *Manager) forget(cid string, waiter chan string) {
	m.lk.Lock()
	defer m.lk.Unlock()
	waiters := slices.DeleteFunc(m.waiters[cid], func(w chan string) bool {
		return w == waiter
	})
	if len(waiters) == 0 {
		delete(m.waiters, cid)
	} else {
		m.waiters[cid] = waiters
	}
}
