package nrs

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/nrs/pkg/telemetry"
)

const (
	defaultUDPBufferSize = 1 << 21
	defaultDialTimeout   = 10 * time.Second
	defaultMaxStreams    = 1000

	// alpnProtocol is negotiated by every peer of the transport.
	alpnProtocol = "nrs"
)

// streamMode is the first byte written on every stream.
type streamMode byte

const (
	streamModeUnspecified streamMode = iota
	streamModeGossip
)

func (m streamMode) String() string {
	switch m {
	case streamModeGossip:
		return "gossip"
	default:
		return "unspecified"
	}
}

// TransportConfig configures the QUIC transport of a GossipPort.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we halve the requested `TransportConfig.BufferSize` until
	// it fits.
	EnforceBufferSize bool

	// TlsConfig must enable mTLS between the peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens. A zero
	// BindPort picks an ephemeral port.
	BindAddr string
	BindPort int

	// MaxStreams bounds the concurrent incoming streams per connection.
	MaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for a connection when
	// sending a packet.
	DialTimeout time.Duration

	// GracePeriod is how long streams are given to drain on shutdown
	// before connections are closed.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport is a memberlist.NodeAwareTransport over QUIC: gossip packets
// travel as datagrams and reliable messages over streams. Peers are
// named after their certificate.
type Transport struct {
	cfg     *TransportConfig
	tlsConf *tls.Config
	quicCfg *quic.Config
	logger  *slog.Logger
	msink   metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// memberlist protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	quic.Connection
}

func NewTransport(cfg *TransportConfig) (_ *Transport, err error) {
	if cfg == nil || cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg:        cfg,
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.msink = telemetry.SinkOrBlackhole(cfg.MetricSink)

	t.tlsConf = cfg.TlsConfig.Clone()
	if len(t.tlsConf.NextProtos) == 0 {
		t.tlsConf.NextProtos = []string{alpnProtocol}
	}

	maxStreams := cfg.MaxStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreams
	}
	t.quicCfg = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: maxStreams,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		if cfg.BindAddr != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, cfg.BindAddr)
		}
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// LocalAddr is the UDP address the transport listens on.
func (t *Transport) LocalAddr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, t.udpLn.LocalAddr())
	}

	advertiseAddr := local.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	}
	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	advertisePort := local.Port
	if port > 0 {
		advertisePort = port
	}
	return advertiseAddr, advertisePort, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	timeout := t.cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	mLabels := telemetry.With(t.cfg.MetricLabels, labelsForAddr(addr)...)
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	mLabels := telemetry.With(t.cfg.MetricLabels, labelsForAddr(addr)...)
	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstOutErrCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstOutErrCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		mode:       streamModeGossip,
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		Stream:     stream,
	}
	go swrap.garbageCollector(hcx.closeCh)

	if _, err = stream.Write([]byte{byte(streamModeGossip)}); err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstOutErrCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("cannot_send_init_frame")),
		)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(telemetry.MetricStreamEstOutCount, 1.0, mLabels)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	t.cancel()

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// quic-go cannot tell us when streams are drained.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsCxs = make(map[unique.Handle[Hostname]][]hostCx)
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			telemetry.MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if !t.gracefulTerm.Load() {
				// quic-go only fails Accept once the listener is closed.
				t.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if _, err := t.handleConn(conn); err != nil {
			t.logger.Debug("incoming connection refused", telemetry.LabelError.L(err))
		}
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				telemetry.MetricDatagramInErrorCount, 1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", telemetry.LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				telemetry.MetricDatagramInErrorCount, 1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(telemetry.MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	defer t.wg.Done()
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(telemetry.LabelPeerAddr.L(remoteAddr.String()))
	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", telemetry.LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", telemetry.LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				telemetry.MetricStreamEstInErrCount, 1.0,
				telemetry.With(mLabels, telemetry.LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: remoteAddr,
			Stream:     stream,
		}

		// When a connection should be closed, it will first close its
		// `closeCh` channel and wait for its streams to finish draining
		// their buffers.
		go swrap.garbageCollector(hcx.closeCh)

		t.wg.Add(1)
		go t.handleStream(swrap, logger.With(telemetry.LabelStreamID.L(int64(stream.StreamID()))), mLabels)
	}
}

// handleStream reads the init frame of an incoming stream and hands it to
// whoever handles its mode.
func (t *Transport) handleStream(swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	defer t.wg.Done()
	logger.Debug("received a stream request")

	var init [1]byte
	if _, err := io.ReadFull(swrap, init[:]); err != nil {
		if t.gracefulTerm.Load() {
			return
		}
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstInErrCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("no_init_frame")),
		)
		logger.Warn("error waiting for stream init frame", telemetry.LabelError.L(err))
		return
	}

	swrap.mode = streamMode(init[0])
	switch swrap.mode {
	case streamModeGossip:
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstInCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelStreamMode.M(swrap.mode.String())),
		)
		select {
		case t.streamCh <- swrap:
		case <-t.ctx.Done():
			swrap.Close()
		}
	default:
		logger.Warn("stream refused",
			"mode", init[0],
			telemetry.LabelError.L(ErrProtocolViolation),
		)
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			telemetry.MetricStreamEstInErrCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("protocol_violation")),
		)
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsConf, t.quicCfg)
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount, 1.0,
			telemetry.With(t.cfg.MetricLabels,
				telemetry.LabelPeerAddr.M(target),
				telemetry.LabelError.M("dial"),
			),
		)
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	alive := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			alive = append(alive, cx)
		}
	}

	if len(alive) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}
	t.hostsCxs[dest] = alive
	return alive, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	for _, cx := range t.hostsCxs[dest] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		QErrInternal.Close(conn, "unexpected address format")
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		QErrInternal.Close(conn, "unexpected address format")
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	logger := t.logger.With(telemetry.LabelPeerAddr.L(peer))
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer))

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", telemetry.LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			telemetry.MetricConnErrorCount, 1.0,
			telemetry.With(mLabels, telemetry.LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrHostname.Close(conn, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}

	mLabels = telemetry.With(mLabels, telemetry.LabelPeerName.M(string(rsvHostname)))
	logger = logger.With(telemetry.LabelPeerName.L(string(rsvHostname)))

	rsvHostnameHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	if t.gracefulTerm.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname mapping.
	currentHostname, ok := t.addrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With("old", currentHostname.Value())
			logger.Warn("a peer changed its name, updating")
			t.addrToHost[peer] = rsvHostnameHandle

			if cxs, hasConnections := t.hostsCxs[currentHostname]; hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(
				telemetry.MetricHostNameChanges, 1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered")
	}

	// We also check if we have node name conflict.
	newInfo := Host{
		Name: rsvHostnameHandle,
		Addr: peerAddr,
		Port: peerPort,
	}
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok && (hostInfo.Addr != peerAddr || hostInfo.Port != peerPort) {
		logger := logger.With("old", &hostInfo, "new", &newInfo)
		logger.Warn("a node has been migrated or there is a name conflict in the cluster")
		t.msink.IncrCounterWithLabels(
			telemetry.MetricHostNameChanges, 1.0,
			telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerName.M(string(rsvHostname))),
		)
		if stale, stillHasConnection := t.garbageCollectCxs(rsvHostnameHandle); stillHasConnection {
			logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
			t.msink.IncrCounterWithLabels(
				telemetry.MetricHostConflictsCount, 1.0,
				telemetry.With(t.cfg.MetricLabels, telemetry.LabelPeerAddr.M(peer)),
			)
			for _, cx := range stale {
				close(cx.closeCh)
				QErrNameConflict.Close(
					cx, "we detected a node name conflict in the cluster! "+
						"if the node was not moved, one of your certificates may have leaked",
				)
			}
			delete(t.hostsCxs, rsvHostnameHandle)
		}
	}
	t.hostsInfo[rsvHostnameHandle] = newInfo

	// Then, we actually perform the connection update after a pass of
	// garbage collection.
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		Connection: conn,
	}
	alive, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(alive, hcx)
	t.wg.Add(2)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(telemetry.MetricConnEstCount, 1.0, mLabels)

	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{telemetry.LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, telemetry.LabelPeerName.M(addr.Name))
	}
	return labels
}
