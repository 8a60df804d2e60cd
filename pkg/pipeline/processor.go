// Package pipeline implements the processing chains messages go through
// before they reach a variable or leave through a port.
//
// Every stage is a Handler returning a Verdict. The Stage type applies
// the verdict: a consumed message stops there, a redirected one goes to
// the given destination and a forwarded one goes to the NextHop
// recorded on the message, when any, or to the stage's default next.
// Delivery is synchronous and depth-first.
package pipeline

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// Processor is a node of a pipeline.
type Processor = message.Receiver

type verdictKind uint8

const (
	verdictForward verdictKind = iota
	verdictConsume
	verdictRedirect
)

// Verdict is the routing decision of a Handler.
type Verdict struct {
	kind verdictKind
	dest Processor
}

// Forward lets the message continue to its next destination.
func Forward() Verdict {
	return Verdict{kind: verdictForward}
}

// Consume ends the journey of the message.
func Consume() Verdict {
	return Verdict{kind: verdictConsume}
}

// Redirect sends the message to dest instead of the default next.
func Redirect(dest Processor) Verdict {
	return Verdict{kind: verdictRedirect, dest: dest}
}

func (v Verdict) IsForward() bool {
	return v.kind == verdictForward
}

func (v Verdict) IsConsume() bool {
	return v.kind == verdictConsume
}

// Destination returns the redirect target, nil for other verdicts.
func (v Verdict) Destination() Processor {
	return v.dest
}

func (v Verdict) String() string {
	switch v.kind {
	case verdictConsume:
		return "consume"
	case verdictRedirect:
		return "redirect"
	default:
		return "forward"
	}
}

// Handler holds the logic of a stage.
type Handler interface {
	Handle(msg *message.Message, sender Processor) Verdict
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *message.Message, sender Processor) Verdict

func (f HandlerFunc) Handle(msg *message.Message, sender Processor) Verdict {
	return f(msg, sender)
}

// Stage is a Processor applying the verdict of its Handler.
//
// The next destination must be set before the first delivery, stages
// are not meant to be rewired while messages flow through them.
type Stage struct {
	name    string
	handler Handler
	next    Processor

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewStage wraps handler, next may be nil.
func NewStage(name string, handler Handler, next Processor, opts ...Option) *Stage {
	o := newOptions(opts)
	return &Stage{
		name:    name,
		handler: handler,
		next:    next,
		logger:  o.logger.With(telemetry.LabelStage.L(name)),
		msink:   o.msink,
		labels:  telemetry.With(o.labels, telemetry.LabelStage.M(name)),
	}
}

func (s *Stage) Name() string {
	return s.name
}

func (s *Stage) Next() Processor {
	return s.next
}

func (s *Stage) SetNext(next Processor) {
	s.next = next
}

// Deliver implements Processor.
func (s *Stage) Deliver(msg *message.Message, sender Processor) {
	verdict := s.handler.Handle(msg, sender)
	switch verdict.kind {
	case verdictConsume:
		return
	case verdictRedirect:
		if verdict.dest == nil {
			s.logger.Warn("redirect ignored",
				"msg", msg,
				telemetry.LabelError.L(ErrNoDestination),
			)
			s.drop(msg, "redirect_without_destination")
			return
		}
		verdict.dest.Deliver(msg, s)
	default:
		s.forward(msg)
	}
}

func (s *Stage) forward(msg *message.Message) {
	if hop := msg.Aux().NextHop; hop != nil {
		hop.Deliver(msg, s)
		return
	}
	if s.next != nil {
		s.next.Deliver(msg, s)
		return
	}
	s.drop(msg, "no_next_stage")
}

func (s *Stage) drop(msg *message.Message, reason string) {
	dir := msg.Aux().Direction.String()
	s.logger.Debug("message dropped",
		"msg", msg,
		telemetry.LabelReason.L(reason),
		telemetry.LabelDirection.L(dir),
	)
	s.msink.IncrCounterWithLabels(
		telemetry.MetricPipelineDropCount, 1,
		telemetry.With(s.labels,
			telemetry.LabelReason.M(reason),
			telemetry.LabelDirection.M(dir),
		),
	)
}

// Stop is the terminal Processor: whatever is delivered to it is
// discarded.
type Stop struct {
	logger  *slog.Logger
	verbose bool
}

// NewStop returns a terminal stage. When verbose, every message reaching
// it is logged at debug level.
func NewStop(verbose bool, opts ...Option) *Stop {
	o := newOptions(opts)
	return &Stop{
		logger:  o.logger.With(telemetry.LabelStage.L("stop")),
		verbose: verbose,
	}
}

func (s *Stop) Deliver(msg *message.Message, _ Processor) {
	if s.verbose {
		s.logger.Debug("end of pipeline",
			"msg", msg,
			telemetry.LabelDirection.L(msg.Aux().Direction.String()),
		)
	}
}
