package variable

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/raskyld/nrs/pkg/message"
	"github.com/raskyld/nrs/pkg/telemetry"
)

// FieldValue is the payload field carrying the value of a variable.
const FieldValue = "value"

// NoVNID is never assigned to a variable.
const NoVNID = 0

// Restriction validates the values a variable accepts.
type Restriction interface {
	Allow(val Value) error
}

// RestrictionFunc adapts a function to the Restriction interface.
type RestrictionFunc func(val Value) error

func (f RestrictionFunc) Allow(val Value) error {
	return f(val)
}

// Range restricts numeric variables to [lo, hi].
func Range(lo, hi float64) Restriction {
	return RestrictionFunc(func(val Value) error {
		var x float64
		switch val.Kind() {
		case KindInt:
			i, _ := val.Int()
			x = float64(i)
		case KindFloat:
			x, _ = val.Float()
		default:
			return nil
		}
		if x < lo || x > hi {
			return fmt.Errorf("%v not in [%v, %v]", x, lo, hi)
		}
		return nil
	})
}

// Option configures a Variable at creation.
type Option func(*Variable)

// Stateful sets whether the variable keeps its current value. Stateful
// variables only propagate changes. Void variables are never stateful.
func Stateful(stateful bool) Option {
	return func(v *Variable) {
		v.stateful = stateful
	}
}

// SelfUpdating sets whether values received from links become the value
// of the variable.
func SelfUpdating(selfUpdating bool) Option {
	return func(v *Variable) {
		v.selfUpdating = selfUpdating
	}
}

func WithRestriction(r Restriction) Option {
	return func(v *Variable) {
		v.restriction = r
	}
}

// OnUpdate registers fn to be called with every value the variable
// receives. fn runs on the goroutine delivering the value, with no lock
// held.
func OnUpdate(fn func(v *Variable, val Value)) Option {
	return func(v *Variable) {
		v.onUpdate = fn
	}
}

// OnMessage registers fn to be called with every message delivered to
// the variable, before its value is decoded. Replies to queries are
// usually consumed this way.
func OnMessage(fn func(v *Variable, msg *message.Message)) Option {
	return func(v *Variable) {
		v.onMessage = fn
	}
}

// Variable is a named typed endpoint of a component.
type Variable struct {
	id   int
	name string
	kind Kind

	stateful     bool
	selfUpdating bool
	restriction  Restriction
	onUpdate     func(*Variable, Value)
	onMessage    func(*Variable, *message.Message)

	manager *Manager
	logger  *slog.Logger

	lk        sync.Mutex
	value     Value
	hasValue  bool
	destroyed bool
	outgoing  []*Link
	incoming  []*Link
}

func (v *Variable) ID() int {
	return v.id
}

func (v *Variable) Name() string {
	return v.name
}

func (v *Variable) Kind() Kind {
	return v.kind
}

func (v *Variable) Stateful() bool {
	return v.stateful
}

func (v *Variable) SelfUpdating() bool {
	return v.selfUpdating
}

// Value returns the current value, false if none was ever set.
func (v *Variable) Value() (Value, bool) {
	v.lk.Lock()
	defer v.lk.Unlock()
	return v.value, v.hasValue
}

func (v *Variable) check(val Value) error {
	if val.Kind() != v.kind {
		return fmt.Errorf("%w: %s cannot hold %s", ErrTypeMismatch, v.kind, val.Kind())
	}
	if v.restriction != nil {
		if err := v.restriction.Allow(val); err != nil {
			return fmt.Errorf("%w: %w", ErrRestricted, err)
		}
	}
	return nil
}

// SetValue updates the variable and sends val through its outgoing
// links. A stateful variable sends nothing when val equals its current
// value.
func (v *Variable) SetValue(val Value) error {
	if err := v.check(val); err != nil {
		return err
	}

	v.lk.Lock()
	if v.destroyed {
		v.lk.Unlock()
		return ErrDestroyed
	}
	if v.stateful {
		if v.hasValue && v.value == val {
			v.lk.Unlock()
			return nil
		}
		v.value = val
		v.hasValue = true
	}
	links := slices.Clone(v.outgoing)
	v.lk.Unlock()

	v.manager.propagate(v, val, links)
	return nil
}

// Receive hands val to the variable as if it came through a link.
func (v *Variable) Receive(val Value) error {
	if err := v.check(val); err != nil {
		return err
	}

	v.lk.Lock()
	if v.destroyed {
		v.lk.Unlock()
		return ErrDestroyed
	}
	if v.stateful && v.selfUpdating {
		v.value = val
		v.hasValue = true
	}
	v.lk.Unlock()

	if v.onUpdate != nil {
		v.onUpdate(v, val)
	}
	return nil
}

// Deliver decodes msg and receives its value.
func (v *Variable) Deliver(msg *message.Message, _ message.Receiver) {
	if v.onMessage != nil {
		v.onMessage(v, msg)
	}
	val, err := v.Decode(msg)
	if err == nil {
		err = v.Receive(val)
	}
	if err != nil {
		v.logger.Warn("message refused",
			"msg", msg,
			telemetry.LabelError.L(err),
		)
	}
}

// Decode extracts a value of the variable's kind from msg. Any message
// triggers a void variable.
func (v *Variable) Decode(msg *message.Message) (Value, error) {
	if v.kind == KindVoid {
		return Void(), nil
	}
	kind, ok := KindOf(msg.Type())
	if !ok || kind != v.kind {
		return Value{}, fmt.Errorf("%w: %s cannot hold a %q message", ErrTypeMismatch, v.kind, msg.Type())
	}
	raw, err := msg.CheckField(FieldValue)
	if err != nil {
		return Value{}, err
	}
	return ParseValue(kind, raw)
}

// NewMessage builds the message carrying val.
func (v *Variable) NewMessage(val Value) *message.Message {
	msg := message.New(v.kind.String())
	if v.kind != KindVoid {
		msg.SetField(FieldValue, val.Encode())
	}
	return msg
}

// LinkTo links v to another variable of the same component.
func (v *Variable) LinkTo(target *Variable, temporary bool) (*Link, error) {
	if target.manager != v.manager {
		return nil, fmt.Errorf("%w: %s and %s belong to different components", ErrInvalidLink, v.name, target.name)
	}
	link := newLink(Endpoint{VNID: v.id}, Endpoint{VNID: target.id}, temporary)
	if err := v.attach(link, true); err != nil {
		return nil, err
	}
	if err := target.attach(link, false); err != nil {
		v.detach(link)
		return nil, err
	}
	return link, nil
}

// LinkRemote links v to the variable vnid of component cid, which is
// told about it with a CreateLink message. A link to our own CID is an
// on-board link.
func (v *Variable) LinkRemote(cid string, vnid int, temporary bool) (*Link, error) {
	return v.manager.linkRemote(v, cid, vnid, temporary, true)
}

func (v *Variable) attach(link *Link, outgoing bool) error {
	v.lk.Lock()
	defer v.lk.Unlock()
	if v.destroyed {
		return ErrDestroyed
	}
	if outgoing {
		v.outgoing = append(v.outgoing, link)
	} else {
		v.incoming = append(v.incoming, link)
	}
	return nil
}

func (v *Variable) detach(link *Link) {
	v.lk.Lock()
	defer v.lk.Unlock()
	v.outgoing = slices.DeleteFunc(v.outgoing, func(l *Link) bool { return l == link })
	v.incoming = slices.DeleteFunc(v.incoming, func(l *Link) bool { return l == link })
}

// RemoveLink severs one link between v and the variable vnid of
// component cid. A link whose far end matches exactly is preferred over
// one matching the VNID only.
func (v *Variable) RemoveLink(cid string, vnid int) (*Link, bool) {
	want := Endpoint{CID: v.manager.normalize(cid), VNID: vnid}

	v.lk.Lock()
	all := slices.Concat(v.outgoing, v.incoming)
	var found *Link
	for _, link := range all {
		if link.peer(v.id) == want {
			found = link
			break
		}
	}
	if found == nil {
		for _, link := range all {
			if link.peer(v.id).VNID == vnid {
				found = link
				break
			}
		}
	}
	v.lk.Unlock()

	if found == nil {
		return nil, false
	}
	v.manager.sever(found)
	return found, true
}

// RemoveAllLinks severs every link of v. Components at the far end of
// off-board links are told with DeleteLink messages.
func (v *Variable) RemoveAllLinks() {
	v.lk.Lock()
	links := slices.Concat(v.outgoing, v.incoming)
	v.lk.Unlock()

	seen := make(map[*Link]bool, len(links))
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true
		if !link.OnBoard() {
			v.manager.notifyDelete(link)
		}
		v.manager.sever(link)
	}
}

// Outgoing returns the links v is the source of.
func (v *Variable) Outgoing() []*Link {
	v.lk.Lock()
	defer v.lk.Unlock()
	return slices.Clone(v.outgoing)
}

// Incoming returns the links v is the target of.
func (v *Variable) Incoming() []*Link {
	v.lk.Lock()
	defer v.lk.Unlock()
	return slices.Clone(v.incoming)
}

func (v *Variable) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("vnid", v.id),
		slog.String("name", v.name),
		slog.String("kind", v.kind.String()),
	)
}
