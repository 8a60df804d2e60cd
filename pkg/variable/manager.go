// Package variable holds the variables of a component and dispatches
// inbound messages to them.
package variable

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// Payload fields of CreateLink and DeleteLink messages.
const (
	FieldSourceCID  = "sourceCID"
	FieldSourceVNID = "sourceVNID"
	FieldTargetCID  = "targetCID"
	FieldTargetVNID = "targetVNID"
	FieldTemporary  = "temporary"
)

// Host is the component owning a Manager.
type Host interface {
	// CID returns the ID of the component, possibly empty until it is
	// assigned.
	CID() string

	// Resolve returns the route to a component, see route.Manager.
	Resolve(cid string, allowRemote bool) (string, bool)

	// Submit sends msg through the outbound pipeline.
	Submit(msg *message.Message)
}

type managerConfig struct {
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label
	hopCount int
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

func WithMetricSink(ms metrics.MetricSink) ManagerOption {
	return func(c *managerConfig) {
		c.msink = ms
	}
}

func WithMetricLabels(labels []metrics.Label) ManagerOption {
	return func(c *managerConfig) {
		c.labels = labels
	}
}

// WithHopCount bounds the broadcasts sent to components with no known
// route, message.DefaultHopCount is used otherwise.
func WithHopCount(hops int) ManagerOption {
	return func(c *managerConfig) {
		c.hopCount = hops
	}
}

// Manager registers the variables of a component. It is the pipeline
// stage delivering inbound messages to them.
type Manager struct {
	host Host

	lk     sync.RWMutex
	byID   map[int]*Variable
	byName map[string]*Variable
	nextID int

	hopCount int

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewManager(host Host, opts ...ManagerOption) *Manager {
	var cfg managerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		host:     host,
		byID:     make(map[int]*Variable),
		byName:   make(map[string]*Variable),
		nextID:   1,
		hopCount: cfg.hopCount,
		logger:   telemetry.LoggerOrDefault(cfg.logger).With(telemetry.LabelStage.L("variables")),
		msink:    telemetry.SinkOrBlackhole(cfg.msink),
		labels:   cfg.labels,
	}
}

// SuggestID reserves the next VNID. VNIDs start at 1 and are never
// reused.
func (m *Manager) SuggestID() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Create registers a new variable. Void variables are stateless, other
// kinds are stateful and self-updating unless told otherwise.
func (m *Manager) Create(name string, kind Kind, opts ...Option) *Variable {
	v := &Variable{
		id:           m.SuggestID(),
		name:         name,
		kind:         kind,
		stateful:     kind != KindVoid,
		selfUpdating: true,
		manager:      m,
	}
	for _, opt := range opts {
		opt(v)
	}
	if kind == KindVoid {
		v.stateful = false
	}
	v.logger = m.logger.With(telemetry.LabelVNID.L(v.id), telemetry.LabelVNName.L(name))

	m.lk.Lock()
	m.byID[v.id] = v
	previous, collision := m.byName[name]
	m.byName[name] = v
	m.lk.Unlock()

	if collision {
		m.logger.Warn("variable name already registered, lookups by name now return the newest",
			telemetry.LabelVNName.L(name),
			"previous", previous.id,
			telemetry.LabelVNID.L(v.id),
		)
	}
	return v
}

// Destroy severs every link of v and unregisters it.
func (m *Manager) Destroy(v *Variable) {
	v.RemoveAllLinks()

	v.lk.Lock()
	v.destroyed = true
	v.lk.Unlock()

	m.lk.Lock()
	delete(m.byID, v.id)
	if m.byName[v.name] == v {
		delete(m.byName, v.name)
	}
	m.lk.Unlock()
}

func (m *Manager) ByID(vnid int) (*Variable, bool) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	v, ok := m.byID[vnid]
	return v, ok
}

func (m *Manager) ByName(name string) (*Variable, bool) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	v, ok := m.byName[name]
	return v, ok
}

// Variables returns the registered variables ordered by VNID.
func (m *Manager) Variables() []*Variable {
	m.lk.RLock()
	defer m.lk.RUnlock()
	out := make([]*Variable, 0, len(m.byID))
	for _, id := range slices.Sorted(maps.Keys(m.byID)) {
		out = append(out, m.byID[id])
	}
	return out
}

// Handle delivers msg to the variable it targets: by name when the
// message is intelligent, by VNID otherwise. Messages targeting no known
// variable are forwarded.
func (m *Manager) Handle(msg *message.Message, sender pipeline.Processor) pipeline.Verdict {
	if msg.IsIntelligent() {
		if name, ok := msg.NRSField(message.FieldTargetVNName); ok {
			if v, ok := m.ByName(name); ok {
				return m.dispatch(v, msg, sender)
			}
		}
	}
	if raw, ok := msg.NRSField(message.FieldToVNID); ok {
		if vnid, err := strconv.Atoi(raw); err == nil && vnid > 0 {
			if v, ok := m.ByID(vnid); ok {
				return m.dispatch(v, msg, sender)
			}
		}
	}
	m.msink.IncrCounterWithLabels(
		telemetry.MetricDispatchMissCount, 1,
		telemetry.With(m.labels, telemetry.LabelMsgType.M(msg.Type())),
	)
	return pipeline.Forward()
}

func (m *Manager) dispatch(v *Variable, msg *message.Message, sender pipeline.Processor) pipeline.Verdict {
	m.msink.IncrCounterWithLabels(telemetry.MetricDispatchHitCount, 1, m.labels)
	v.Deliver(msg, sender)
	return pipeline.Consume()
}

// normalize maps our own CID to the on-board endpoint CID.
func (m *Manager) normalize(cid string) string {
	if cid != "" && cid == m.host.CID() {
		return ""
	}
	return cid
}

func (m *Manager) propagate(v *Variable, val Value, links []*Link) {
	for _, link := range links {
		target := link.Target()
		if target.OnBoard() {
			m.handOff(v, val, target.VNID)
			continue
		}

		msg := v.NewMessage(val)
		msg.SetNRSInt(message.FieldToVNID, target.VNID)
		msg.SetNRSInt(message.FieldMsgID, message.NoID)
		link.setRoute(m.sendTo(target.CID, msg))
		m.msink.IncrCounterWithLabels(telemetry.MetricVariableSendCount, 1, m.labels)
	}
}

func (m *Manager) handOff(v *Variable, val Value, vnid int) {
	target, ok := m.ByID(vnid)
	if !ok {
		m.logger.Warn("link to an unknown variable",
			"source", v,
			telemetry.LabelVNID.L(vnid),
		)
		m.msink.IncrCounterWithLabels(telemetry.MetricVariableSendErrCount, 1, m.labels)
		return
	}
	if err := target.Receive(val); err != nil {
		m.logger.Warn("on-board hand-off failed",
			"source", v,
			"target", target,
			telemetry.LabelError.L(err),
		)
		m.msink.IncrCounterWithLabels(telemetry.MetricVariableSendErrCount, 1, m.labels)
		return
	}
	m.msink.IncrCounterWithLabels(telemetry.MetricVariableSendCount, 1, m.labels)
}

// sendTo addresses msg to component cid and submits it. When no route is
// known yet, msg is broadcast.
func (m *Manager) sendTo(cid string, msg *message.Message) string {
	msg.SetNRSField(message.FieldSourceCID, m.host.CID())
	route, ok := m.host.Resolve(cid, true)
	msg.SetNRSField(message.FieldRoute, route)
	if !ok {
		message.TagBroadcast(msg, cid, m.hopCount)
	}
	m.host.Submit(msg)
	return route
}

func (m *Manager) linkRemote(v *Variable, cid string, vnid int, temporary, notify bool) (*Link, error) {
	if vnid <= 0 {
		return nil, fmt.Errorf("%w: VNID %d", ErrInvalidLink, vnid)
	}
	cid = m.normalize(cid)
	if cid == "" {
		target, ok := m.ByID(vnid)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownVariable, vnid)
		}
		return v.LinkTo(target, temporary)
	}

	link := newLink(Endpoint{VNID: v.id}, Endpoint{CID: cid, VNID: vnid}, temporary)
	if err := v.attach(link, true); err != nil {
		return nil, err
	}
	if notify {
		m.sendTo(cid, m.linkMessage(message.TypeCreateLink, link))
	}
	return link, nil
}

func (m *Manager) linkMessage(typ string, link *Link) *message.Message {
	own := m.host.CID()
	cidOf := func(e Endpoint) string {
		if e.OnBoard() {
			return own
		}
		return e.CID
	}

	msg := message.New(typ)
	msg.SetField(FieldSourceCID, cidOf(link.source))
	msg.SetField(FieldSourceVNID, strconv.Itoa(link.source.VNID))
	msg.SetField(FieldTargetCID, cidOf(link.target))
	msg.SetField(FieldTargetVNID, strconv.Itoa(link.target.VNID))
	msg.SetField(FieldTemporary, strconv.FormatBool(link.temporary))
	msg.SetNRSField(message.FieldToVNID, "")
	msg.SetNRSInt(message.FieldMsgID, message.NoID)
	return msg
}

func (m *Manager) notifyDelete(link *Link) {
	peer := link.target
	if peer.OnBoard() {
		peer = link.source
	}
	m.sendTo(peer.CID, m.linkMessage(message.TypeDeleteLink, link))
}

// sever detaches link from its on-board ends.
func (m *Manager) sever(link *Link) {
	ends := []Endpoint{link.source}
	if link.target != link.source {
		ends = append(ends, link.target)
	}
	for _, end := range ends {
		if !end.OnBoard() {
			continue
		}
		if v, ok := m.ByID(end.VNID); ok {
			v.detach(link)
		}
	}
}

type linkRequest struct {
	source    Endpoint
	target    Endpoint
	temporary bool
}

func (m *Manager) parseLinkRequest(msg *message.Message) (linkRequest, error) {
	var req linkRequest
	var err error
	if req.source, err = m.parseEndpoint(msg, FieldSourceCID, FieldSourceVNID); err != nil {
		return req, err
	}
	if req.target, err = m.parseEndpoint(msg, FieldTargetCID, FieldTargetVNID); err != nil {
		return req, err
	}
	if raw, ok := msg.Field(FieldTemporary); ok {
		req.temporary, _ = strconv.ParseBool(raw)
	}
	return req, nil
}

func (m *Manager) parseEndpoint(msg *message.Message, cidField, vnidField string) (Endpoint, error) {
	cid, err := msg.CheckField(cidField)
	if err != nil {
		return Endpoint{}, err
	}
	raw, err := msg.CheckField(vnidField)
	if err != nil {
		return Endpoint{}, err
	}
	vnid, err := strconv.Atoi(raw)
	if err != nil || vnid <= 0 {
		return Endpoint{}, fmt.Errorf("%w: %s=%q", ErrInvalidLink, vnidField, raw)
	}
	return Endpoint{CID: m.normalize(cid), VNID: vnid}, nil
}

// ApplyCreateLink creates the link described by a CreateLink message on
// whichever end is ours.
func (m *Manager) ApplyCreateLink(msg *message.Message) (*Link, error) {
	req, err := m.parseLinkRequest(msg)
	if err != nil {
		return nil, err
	}

	if req.source.OnBoard() {
		source, ok := m.ByID(req.source.VNID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownVariable, req.source.VNID)
		}
		return m.linkRemote(source, req.target.CID, req.target.VNID, req.temporary, false)
	}
	if req.target.OnBoard() {
		target, ok := m.ByID(req.target.VNID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownVariable, req.target.VNID)
		}
		link := newLink(req.source, req.target, req.temporary)
		if err := target.attach(link, false); err != nil {
			return nil, err
		}
		return link, nil
	}
	return nil, fmt.Errorf("%w: neither end belongs to this component", ErrInvalidLink)
}

// ApplyDeleteLink severs the link described by a DeleteLink message.
func (m *Manager) ApplyDeleteLink(msg *message.Message) error {
	req, err := m.parseLinkRequest(msg)
	if err != nil {
		return err
	}

	local, peer := req.source, req.target
	if !local.OnBoard() {
		local, peer = req.target, req.source
	}
	if !local.OnBoard() {
		return fmt.Errorf("%w: neither end belongs to this component", ErrInvalidLink)
	}

	v, ok := m.ByID(local.VNID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVariable, local.VNID)
	}
	if _, ok := v.RemoveLink(peer.CID, peer.VNID); !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, peer)
	}
	return nil
}
