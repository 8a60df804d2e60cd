package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPipelineDropCount     = []string{"nrs", "pipeline", "drop", "count"}
	MetricIDStampCount          = []string{"nrs", "pipeline", "idstamp", "count"}
	MetricCacheStoreCount       = []string{"nrs", "cache", "store", "count"}
	MetricCacheRejectCount      = []string{"nrs", "cache", "reject", "count"}
	MetricCacheSize             = []string{"nrs", "cache", "size"}
	MetricCacheEvictCount       = []string{"nrs", "cache", "evict", "count"}
	MetricReplyCorrelatedCount  = []string{"nrs", "storage", "reply", "correlated", "count"}
	MetricReplyUnmatchedCount   = []string{"nrs", "storage", "reply", "unmatched", "count"}
	MetricBroadcastRelayCount   = []string{"nrs", "broadcast", "relay", "count"}
	MetricBroadcastDupCount     = []string{"nrs", "broadcast", "duplicate", "count"}
	MetricRouterForwardCount    = []string{"nrs", "router", "forward", "count"}
	MetricRouteQueryCount       = []string{"nrs", "route", "query", "count"}
	MetricRouteLearnedCount     = []string{"nrs", "route", "learned", "count"}
	MetricRouteEntries          = []string{"nrs", "route", "entries"}
	MetricDispatchHitCount      = []string{"nrs", "dispatch", "hit", "count"}
	MetricDispatchMissCount     = []string{"nrs", "dispatch", "miss", "count"}
	MetricVariableSendCount     = []string{"nrs", "variable", "send", "count"}
	MetricVariableSendErrCount  = []string{"nrs", "variable", "send", "error", "count"}
	MetricPortTxCount           = []string{"nrs", "port", "tx", "count"}
	MetricPortTxErrorCount      = []string{"nrs", "port", "tx", "error", "count"}
	MetricPortRxCount           = []string{"nrs", "port", "rx", "count"}
	MetricPortRxErrorCount      = []string{"nrs", "port", "rx", "error", "count"}
	MetricDatagramInBytes       = []string{"nrs", "quic", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"nrs", "quic", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"nrs", "quic", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"nrs", "quic", "datagram", "out", "error", "count"}
	MetricStreamEstInCount      = []string{"nrs", "quic", "stream", "in", "count"}
	MetricStreamEstInErrCount   = []string{"nrs", "quic", "stream", "in", "error", "count"}
	MetricStreamEstOutCount     = []string{"nrs", "quic", "stream", "out", "count"}
	MetricStreamEstOutErrCount  = []string{"nrs", "quic", "stream", "out", "error", "count"}
	MetricUDPBufferSizeBytes    = []string{"nrs", "quic", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount        = []string{"nrs", "quic", "connection", "error", "count"}
	MetricConnEstCount          = []string{"nrs", "quic", "connection", "established", "count"}
	MetricHostNameChanges       = []string{"nrs", "quic", "host", "name", "changes"}
	MetricHostConflictsCount    = []string{"nrs", "quic", "host", "name", "conflicts", "count"}
)

// Label is shared between structured logs and metric labels so both
// use the same keys.
type Label string

var (
	LabelError      Label = "error"
	LabelStage      Label = "stage"
	LabelMsgType    Label = "msg_type"
	LabelMsgID      Label = "msg_id"
	LabelCID        Label = "cid"
	LabelRoute      Label = "route"
	LabelVNID       Label = "vnid"
	LabelVNName     Label = "vn_name"
	LabelPort       Label = "port"
	LabelPeerAddr   Label = "peer_addr"
	LabelPeerName   Label = "peer_name"
	LabelReason     Label = "reason"
	LabelDirection  Label = "direction"
	LabelDuration   Label = "duration"
	LabelStreamID   Label = "stream_id"
	LabelStreamMode Label = "stream_mode"
)

// M returns the metric label for val.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns the slog attribute for val.
func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With appends extra labels to a static set without aliasing it.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}

// SinkOrBlackhole never returns a nil sink.
func SinkOrBlackhole(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return &metrics.BlackholeSink{}
	}
	return ms
}

// LoggerOrDefault never returns a nil logger.
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
