package nrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
	"github.com/raskyld/nrs/pkg/wire"
)

const (
	defaultGossipBuffer = 512
	gossipLeaveTimeout  = 2 * time.Second
	gossipUpdateTimeout = 5 * time.Second
)

type gossipConfig struct {
	mlCfg        *memberlist.Config
	trCfg        *TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	seedRoutes   bool
	buffer       int

	// amendments of mlCfg, applied once every option ran
	nodeName string
	listen   bool
	bindAddr string
	bindPort int
}

// GossipOption configures a GossipPort.
type GossipOption func(*gossipConfig) error

// WithGossipConfig replaces the memberlist configuration, the default is
// `memberlist.DefaultLANConfig`. The other options amend it whatever
// their order. Its Name is kept unless WithGossipNodeName is used.
func WithGossipConfig(cfg *memberlist.Config) GossipOption {
	return func(c *gossipConfig) error {
		if cfg == nil {
			return errors.New("memberlist config cannot be nil")
		}
		c.mlCfg = cfg
		return nil
	}
}

// WithGossipListenOn specifies which interface the gossip protocol binds.
// A zero port picks an ephemeral one.
func WithGossipListenOn(addr string, port int) GossipOption {
	return func(c *gossipConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		c.listen = true
		c.bindAddr = addr
		c.bindPort = port
		return nil
	}
}

// WithGossipNodeName specifies the name of this node in the cluster, it
// is the address other components use to reach us through this port. For
// a well-behaving cluster, the name MUST be unique.
func WithGossipNodeName(name string) GossipOption {
	return func(c *gossipConfig) error {
		if name == "" || strings.ContainsAny(name, "/,") {
			return fmt.Errorf("invalid node name %q", name)
		}
		c.nodeName = name
		return nil
	}
}

// WithGossipNeighbours controls which peers are tried initially to join
// the cluster.
func WithGossipNeighbours(neighbours ...string) GossipOption {
	return func(c *gossipConfig) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithGossipTransport makes memberlist use the QUIC Transport instead of
// its default TCP and UDP one. It is REALLY important that the TLS
// configuration enforces mTLS since that's how peers are named.
func WithGossipTransport(cfg *TransportConfig) GossipOption {
	return func(c *gossipConfig) error {
		if cfg == nil || cfg.TlsConfig == nil {
			return ErrNoTLSConfig
		}
		trCfg := *cfg
		c.trCfg = &trCfg
		return nil
	}
}

// WithGossipLog specifies which `slog.Handler` to use.
func WithGossipLog(handler slog.Handler) GossipOption {
	return func(c *gossipConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithGossipMetricLabels adds static labels to all metrics produced by
// the port and memberlist.
func WithGossipMetricLabels(labels []metrics.Label) GossipOption {
	return func(c *gossipConfig) error {
		c.metricLabels = labels
		return nil
	}
}

// WithGossipMetricSink allows you to chose how to collect the metrics
// emitted by the port.
func WithGossipMetricSink(ms metrics.MetricSink) GossipOption {
	return func(c *gossipConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithRouteSeeding makes the port feed the route table of its component
// with the cluster membership: every member advertising a CID is
// reachable in one hop.
func WithRouteSeeding(seed bool) GossipOption {
	return func(c *gossipConfig) error {
		c.seedRoutes = seed
		return nil
	}
}

// WithGossipBuffer sets how many received messages can wait for the
// component.
func WithGossipBuffer(size int) GossipOption {
	return func(c *gossipConfig) error {
		if size <= 0 {
			return errors.New("gossip buffer must be positive")
		}
		c.buffer = size
		return nil
	}
}

type gossipFrame struct {
	from string
	msg  *message.Message
}

// GossipPort connects a component to a memberlist cluster. Every member
// is a peer addressed by its node name.
type GossipPort struct {
	name   string
	cfg    gossipConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	ml      *memberlist.Memberlist
	handler InboundHandler
	inbox   chan gossipFrame

	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewGossipPort(name string, opts ...GossipOption) (*GossipPort, error) {
	if !validPortName(name) {
		return nil, fmt.Errorf("%w: %q", ErrPortInvalidName, name)
	}

	cfg := gossipConfig{
		buffer: defaultGossipBuffer,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	cfg.amend()

	p := &GossipPort{
		name:    name,
		cfg:     cfg,
		msink:   telemetry.SinkOrBlackhole(cfg.msink),
		labels:  telemetry.With(cfg.metricLabels, telemetry.LabelPort.M(name)),
		inbox:   make(chan gossipFrame, cfg.buffer),
		closeCh: make(chan struct{}),
	}

	handler := cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	p.logger = slog.New(handler).With(telemetry.LabelPort.L(name))
	p.cfg.mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	p.cfg.mlCfg.LogOutput = nil
	return p, nil
}

// amend builds the memberlist configuration out of the options.
func (c *gossipConfig) amend() {
	if c.mlCfg == nil {
		c.mlCfg = memberlist.DefaultLANConfig()
		c.mlCfg.Name = ""
	}
	switch {
	case c.nodeName != "":
		c.mlCfg.Name = c.nodeName
	case c.mlCfg.Name == "":
		c.mlCfg.Name = "nrs-" + uuid.NewString()
	}

	if c.listen {
		c.mlCfg.BindAddr = c.bindAddr
		c.mlCfg.BindPort = c.bindPort
		c.mlCfg.AdvertisePort = c.bindPort
	}

	// memberlist still expects the armon flavour.
	if c.metricLabels != nil {
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(c.metricLabels))
		for i, label := range c.metricLabels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
	}
}

func (p *GossipPort) Name() string {
	return p.name
}

// NodeName is our address in the cluster.
func (p *GossipPort) NodeName() string {
	return p.cfg.mlCfg.Name
}

// Address returns where other nodes can join us, once open.
func (p *GossipPort) Address() string {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.ml == nil {
		return ""
	}
	return p.ml.LocalNode().Address()
}

// Members returns the names of the other nodes of the cluster.
func (p *GossipPort) Members() []string {
	p.lk.Lock()
	ml := p.ml
	p.lk.Unlock()
	if ml == nil {
		return nil
	}

	var names []string
	for _, node := range ml.Members() {
		if node.Name != p.NodeName() {
			names = append(names, node.Name)
		}
	}
	return names
}

// Open creates the memberlist node and joins the neighbours.
func (p *GossipPort) Open(h InboundHandler) (err error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	if p.ml != nil {
		return fmt.Errorf("%w: %s is already open", ErrPortConflict, p.name)
	}

	p.handler = h
	p.cfg.mlCfg.Delegate = &gossipDelegate{p: p}
	p.cfg.mlCfg.Events = &gossipEvents{p: p}

	if p.cfg.trCfg != nil {
		trCfg := p.cfg.trCfg
		trCfg.BindAddr = p.cfg.mlCfg.BindAddr
		trCfg.BindPort = p.cfg.mlCfg.BindPort
		if trCfg.LogHandler == nil {
			trCfg.LogHandler = p.logger.Handler()
		}
		if trCfg.MetricSink == nil {
			trCfg.MetricSink = p.msink
		}
		if trCfg.MetricLabels == nil {
			trCfg.MetricLabels = p.labels
		}
		tr, err := NewTransport(trCfg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		p.cfg.mlCfg.Transport = tr
	}

	ml, err := memberlist.Create(p.cfg.mlCfg)
	if err != nil {
		if tr := p.cfg.mlCfg.Transport; tr != nil {
			tr.Shutdown()
		}
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	p.ml = ml

	p.wg.Add(1)
	go p.receive(h)

	if len(p.cfg.neighbours) > 0 {
		joined, err := ml.Join(p.cfg.neighbours)
		if err != nil {
			p.logger.Error("failed to join cluster", telemetry.LabelError.L(err))
			close(p.closeCh)
			p.closed = true
			ml.Shutdown()
			p.wg.Wait()
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		if joined != len(p.cfg.neighbours) {
			p.logger.Warn("not all neighbours are reachable",
				"joined", joined,
				"expected", len(p.cfg.neighbours),
			)
		}
		p.logger.Info("cluster joined")
	}
	return nil
}

func (p *GossipPort) receive(h InboundHandler) {
	defer p.wg.Done()
	for {
		select {
		case frame := <-p.inbox:
			h.HandleInbound(p.name, frame.from, frame.msg)
		case <-p.closeCh:
			return
		}
	}
}

func (p *GossipPort) memberlist() (*memberlist.Memberlist, error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return nil, ErrPortClosed
	}
	if p.ml == nil {
		return nil, ErrPortNotOpen
	}
	return p.ml, nil
}

func (p *GossipPort) Transmit(ctx context.Context, address string, msg *message.Message) error {
	ml, err := p.memberlist()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, node := range ml.Members() {
		if node.Name == address {
			return ml.SendReliable(node, wire.MarshalFrame(p.NodeName(), msg))
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
}

func (p *GossipPort) Broadcast(ctx context.Context, msg *message.Message) error {
	ml, err := p.memberlist()
	if err != nil {
		return err
	}

	frame := wire.MarshalFrame(p.NodeName(), msg)
	var errs []error
	for _, node := range ml.Members() {
		if node.Name == p.NodeName() {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := ml.SendBestEffort(node, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshMeta advertises the current CID of the component to the
// cluster.
func (p *GossipPort) RefreshMeta() error {
	ml, err := p.memberlist()
	if err != nil {
		return err
	}
	return ml.UpdateNode(gossipUpdateTimeout)
}

func (p *GossipPort) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	ml := p.ml
	p.lk.Unlock()

	var err error
	if ml != nil {
		p.logger.Info("leaving cluster")
		if lerr := ml.Leave(gossipLeaveTimeout); lerr != nil {
			p.logger.Warn("failed to leave cluster gracefully", telemetry.LabelError.L(lerr))
		}
		err = ml.Shutdown()
	}
	p.wg.Wait()
	return err
}

func (p *GossipPort) cid() string {
	if m, ok := p.handler.(Membership); ok {
		return m.CID()
	}
	return ""
}

func (p *GossipPort) seed(node *memberlist.Node) {
	if !p.cfg.seedRoutes || node.Name == p.NodeName() {
		return
	}
	m, ok := p.handler.(Membership)
	if !ok {
		return
	}
	if cid := string(node.Meta); cid != "" {
		m.AddRoute(cid, Hop{Port: p.name, Address: node.Name}.String())
	}
}

func (p *GossipPort) unseed(node *memberlist.Node) {
	if !p.cfg.seedRoutes || node.Name == p.NodeName() {
		return
	}
	m, ok := p.handler.(Membership)
	if !ok {
		return
	}
	if cid := string(node.Meta); cid != "" {
		m.RemoveRoute(cid)
	}
}

type gossipDelegate struct {
	p *GossipPort
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	meta := []byte(d.p.cid())
	if len(meta) > limit {
		d.p.logger.Warn("CID too long to be advertised", "limit", limit)
		return nil
	}
	return meta
}

func (d *gossipDelegate) NotifyMsg(buf []byte) {
	p := d.p
	// memberlist reuses buf, the decoder copies what it keeps.
	from, msg, err := wire.UnmarshalFrame(buf)
	if err != nil {
		p.logger.Warn("received a malformed frame", telemetry.LabelError.L(err))
		p.msink.IncrCounterWithLabels(telemetry.MetricPortRxErrorCount, 1,
			telemetry.With(p.labels, telemetry.LabelReason.M("malformed")),
		)
		return
	}

	select {
	case p.inbox <- gossipFrame{from: from, msg: msg}:
	case <-p.closeCh:
	default:
		p.logger.Warn("inbox is full, message dropped", telemetry.LabelPeerName.L(from))
		p.msink.IncrCounterWithLabels(telemetry.MetricPortRxErrorCount, 1,
			telemetry.With(p.labels, telemetry.LabelReason.M("inbox_full")),
		)
	}
}

func (d *gossipDelegate) GetBroadcasts(_, _ int) [][]byte {
	return nil
}

func (d *gossipDelegate) LocalState(_ bool) []byte {
	return nil
}

func (d *gossipDelegate) MergeRemoteState(_ []byte, _ bool) {}

type gossipEvents struct {
	p *GossipPort
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
		telemetry.LabelCID.L(string(node.Meta)),
	)
}

func (g *gossipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.p.logger, node).Info("peer joined cluster")
	g.p.seed(node)
}

func (g *gossipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.p.logger, node).Info("peer left cluster")
	g.p.unseed(node)
}

func (g *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.p.logger, node).Info("peer updated")
	g.p.seed(node)
}
