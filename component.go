package nrs

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/pipeline"
	"github.com/raskyld/nrs/pkg/route"
	"github.com/raskyld/nrs/pkg/telemetry"
	"github.com/raskyld/nrs/pkg/variable"
)

// Component owns the variables, the pipelines and the ports of a process
// taking part in an NRS network.
type Component struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	info   *ComponentInfo

	// services
	cache  *pipeline.OutboundCache
	routes *route.Manager
	vars   *variable.Manager
	stop   *pipeline.Stop

	// pipelines entry points
	inbound  pipeline.Processor
	outbound pipeline.Processor

	// transport
	ports  map[string]Port
	loopCh chan *message.Message

	// synchronisation
	lk sync.RWMutex

	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// entry tags messages with the direction of the pipeline they enter.
type entry struct {
	dir  message.Direction
	next pipeline.Processor
}

func (e *entry) Deliver(msg *message.Message, sender pipeline.Processor) {
	msg.Aux().Direction = e.dir
	e.next.Deliver(msg, sender)
}

func Create(opts ...Option) (*Component, error) {
	c := &Component{
		config:     defaultConfig(),
		ports:      make(map[string]Port),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&c.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if c.config.logHandler != nil {
		c.logger = slog.New(c.config.logHandler)
	} else {
		c.logger = slog.Default()
	}
	c.msink = telemetry.SinkOrBlackhole(c.config.msink)

	c.info = &ComponentInfo{
		cid:     c.config.cid,
		typ:     c.config.componentType,
		version: c.config.version,
		bmf:     c.config.bmf,
		pml:     c.config.pml,
	}
	c.loopCh = make(chan *message.Message, c.config.loopbackBuffer)

	popts := []pipeline.Option{
		pipeline.WithLogger(c.logger),
		pipeline.WithMetricSink(c.msink),
		pipeline.WithMetricLabels(c.config.metricLabels),
	}

	c.stop = pipeline.NewStop(c.config.traceDrops, popts...)
	c.cache = pipeline.NewOutboundCache(popts...)
	c.vars = variable.NewManager(c,
		variable.WithLogger(c.logger),
		variable.WithMetricSink(c.msink),
		variable.WithMetricLabels(c.config.metricLabels),
		variable.WithHopCount(c.config.hopCount),
	)

	// Replies to our route queries end up in a void variable, the route
	// manager learns from them before they reach it.
	routeReply := c.vars.Create("RouteManager.reply", variable.KindVoid)

	// Outbound: IDStamp -> Transmitter -> Storage -> Stop.
	storage := pipeline.NewStorage(c.cache, nil, popts...)
	storageStage := pipeline.NewStage("storage", storage, c.stop, popts...)
	transmitStage := pipeline.NewStage("transmitter", &transmitter{c: c}, storageStage, popts...)
	stampStage := pipeline.NewStage("idstamp", pipeline.NewIDStamp(c.cache, popts...), transmitStage, popts...)
	c.outbound = &entry{dir: message.Outbound, next: stampStage}

	c.routes = route.New(c.CID, c.outbound,
		route.WithLogger(c.logger),
		route.WithMetricSink(c.msink),
		route.WithMetricLabels(c.config.metricLabels),
		route.WithDiscoveryTimeout(c.config.discoveryTimeout),
		route.WithHopCount(c.config.hopCount),
		route.WithReplyVNID(routeReply.ID()),
	)

	// Inbound: Broadcast -> Router -> Storage -> RouteManager ->
	// VariableManager -> built-in handlers.
	builtinStage := pipeline.NewStage("builtins", &builtins{c: c}, nil, popts...)
	varsStage := pipeline.NewStage("variables", c.vars, builtinStage, popts...)
	routeStage := pipeline.NewStage("routes", c.routes, varsStage, popts...)
	storage.SetInbound(routeStage)
	routerStage := pipeline.NewStage("router", pipeline.NewRouter(transmitStage, c.stop, popts...), storageStage, popts...)
	broadcastStage := pipeline.NewStage("broadcast",
		pipeline.NewBroadcastHandler(c.CID, transmitStage, c.stop, popts...),
		routerStage,
		popts...,
	)
	c.inbound = &entry{dir: message.Inbound, next: broadcastStage}

	c.wg.Add(1)
	go c.handleLoopback()

	c.logger.Info("component created", "component", c.info)
	return c, nil
}

// CID returns the ID of the component, empty until one is assigned.
func (c *Component) CID() string {
	return c.info.CID()
}

func (c *Component) Info() *ComponentInfo {
	return c.info
}

func (c *Component) Variables() *variable.Manager {
	return c.vars
}

func (c *Component) Routes() *route.Manager {
	return c.routes
}

// NewVariable creates and registers a variable.
func (c *Component) NewVariable(name string, kind variable.Kind, opts ...variable.Option) *variable.Variable {
	return c.vars.Create(name, kind, opts...)
}

// Resolve returns the route to the component cid, see route.Manager.
func (c *Component) Resolve(cid string, allowRemote bool) (string, bool) {
	return c.routes.Resolve(cid, allowRemote)
}

// Await blocks until a route to cid is known.
func (c *Component) Await(ctx context.Context, cid string) (string, error) {
	return c.routes.Await(ctx, cid)
}

func (c *Component) AddRoute(cid, route string) {
	c.routes.AddRoute(cid, route)
}

func (c *Component) RemoveRoute(cid string) {
	c.routes.RemoveRoute(cid)
}

func (c *Component) isShutdown() bool {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return c.shutdown
}

// Send submits msg to the outbound pipeline. msg must be fully addressed
// and MUST NOT be modified afterward.
func (c *Component) Send(msg *message.Message) error {
	if c.isShutdown() {
		return ErrComponentClosed
	}
	c.outbound.Deliver(msg, nil)
	return nil
}

// SendTo addresses msg to the component cid and sends it. When no route
// is known yet, msg is broadcast and a route query is issued.
func (c *Component) SendTo(cid string, msg *message.Message) error {
	msg.SetNRSField(message.FieldSourceCID, c.CID())
	route, ok := c.Resolve(cid, true)
	msg.SetNRSField(message.FieldRoute, route)
	if !ok {
		message.TagBroadcast(msg, cid, c.config.hopCount)
	}
	return c.Send(msg)
}

// Submit implements variable.Host.
func (c *Component) Submit(msg *message.Message) {
	if err := c.Send(msg); err != nil {
		c.logger.Debug("message not sent", "msg", msg, telemetry.LabelError.L(err))
	}
}

// HandleInbound implements InboundHandler: it is the entry point of
// messages received by ports.
func (c *Component) HandleInbound(port, from string, msg *message.Message) {
	if c.isShutdown() {
		return
	}

	aux := msg.Aux()
	aux.ReceivingPort = port
	aux.ReceivedFrom = from

	if port != "" {
		// Routes carried by the message become relative to us.
		hop := Hop{Port: port, Address: from}
		for _, field := range []string{message.FieldReturnRoute, message.FieldForwardRoute} {
			if route, ok := msg.NRSField(field); ok {
				msg.SetNRSField(field, PrependHop(route, hop))
			}
		}
		c.msink.IncrCounterWithLabels(
			telemetry.MetricPortRxCount, 1,
			telemetry.With(c.config.metricLabels, telemetry.LabelPort.M(port)),
		)
	}

	c.inbound.Deliver(msg, nil)
}

// AttachPort registers p and opens it.
func (c *Component) AttachPort(p Port) error {
	name := p.Name()
	if !validPortName(name) {
		return fmt.Errorf("%w: %q", ErrPortInvalidName, name)
	}

	c.lk.Lock()
	if c.shutdown {
		c.lk.Unlock()
		return ErrComponentClosed
	}
	if _, has := c.ports[name]; has {
		c.lk.Unlock()
		return fmt.Errorf("%w: %s", ErrPortConflict, name)
	}
	c.ports[name] = p
	c.lk.Unlock()

	if err := p.Open(c); err != nil {
		c.lk.Lock()
		delete(c.ports, name)
		c.lk.Unlock()
		return err
	}
	c.logger.Info("port attached", telemetry.LabelPort.L(name))
	return nil
}

// DetachPort closes and forgets the port name.
func (c *Component) DetachPort(name string) error {
	c.lk.Lock()
	p, has := c.ports[name]
	delete(c.ports, name)
	c.lk.Unlock()

	if !has {
		return fmt.Errorf("%w: %s", ErrUnknownPort, name)
	}
	c.logger.Info("port detached", telemetry.LabelPort.L(name))
	return p.Close()
}

func (c *Component) port(name string) (Port, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	p, ok := c.ports[name]
	return p, ok
}

// Ports returns the names of the attached ports.
func (c *Component) Ports() []string {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return slices.Sorted(maps.Keys(c.ports))
}

func (c *Component) allPorts() []Port {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return slices.Collect(maps.Values(c.ports))
}

// loopback queues msg for our own inbound pipeline. Queuing lets the
// outbound pipeline complete, and the request be cached, before the
// message is processed.
func (c *Component) loopback(msg *message.Message) bool {
	select {
	case <-c.shutdownCh:
		return false
	default:
	}

	select {
	case c.loopCh <- msg:
		return true
	default:
		c.logger.Warn("loopback queue is full, message dropped", "msg", msg)
		return false
	}
}

func (c *Component) handleLoopback() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.loopCh:
			c.HandleInbound("", "", msg)
		case <-c.shutdownCh:
			return
		}
	}
}

// refreshPorts lets ports advertising our identity know it changed.
func (c *Component) refreshPorts() {
	for _, p := range c.allPorts() {
		if refresher, ok := p.(interface{ RefreshMeta() error }); ok {
			if err := refresher.RefreshMeta(); err != nil {
				c.logger.Warn("failed to advertise our new identity",
					telemetry.LabelPort.L(p.Name()),
					telemetry.LabelError.L(err),
				)
			}
		}
	}
}

func (c *Component) Shutdown() error {
	c.lk.Lock()
	if c.shutdown {
		c.lk.Unlock()
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	ports := c.ports
	c.ports = make(map[string]Port)
	c.lk.Unlock()

	start := time.Now()
	c.logger.Info("shutting down...")

	for name, p := range ports {
		c.logger.Info("shutdown: close port", telemetry.LabelPort.L(name))
		if err := p.Close(); err != nil {
			c.logger.Warn("failed to close port",
				telemetry.LabelPort.L(name),
				telemetry.LabelError.L(err),
			)
		}
	}

	c.logger.Info("shutdown: wait for sub-tasks to finish")
	c.wg.Wait()

	c.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return nil
}
