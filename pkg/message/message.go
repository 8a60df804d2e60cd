package message

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/google/uuid"
)

// Message is the envelope exchanged by components. Payload fields and
// reserved NRS fields are kept in two independent namespaces: the same
// name may exist in both without interference.
//
// A Message is not safe for concurrent mutation. Once it has been handed
// to a pipeline, the caller MUST NOT modify it anymore.
type Message struct {
	typ       string
	fields    map[string]string
	nrsFields map[string]string
	aux       AuxInfo
}

// New creates an empty message of the given type.
func New(typ string) *Message {
	return &Message{
		typ:       typ,
		fields:    make(map[string]string),
		nrsFields: make(map[string]string),
	}
}

func (m *Message) Type() string {
	return m.typ
}

func (m *Message) SetType(typ string) {
	m.typ = typ
}

// Aux returns the attached auxiliary record, never nil.
func (m *Message) Aux() *AuxInfo {
	return &m.aux
}

// Field returns a payload field.
func (m *Message) Field(name string) (string, bool) {
	val, ok := m.fields[name]
	return val, ok
}

// CheckField is like Field but reports absence as ErrFieldNotFound, so
// callers building replies can bail out on the first missing field.
func (m *Message) CheckField(name string) (string, error) {
	val, ok := m.fields[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFieldNotFound, name)
	}
	return val, nil
}

func (m *Message) SetField(name, value string) {
	m.fields[name] = value
}

func (m *Message) HasField(name string) bool {
	_, ok := m.fields[name]
	return ok
}

func (m *Message) RemoveField(name string) {
	delete(m.fields, name)
}

// Fields returns a copy of the payload fields.
func (m *Message) Fields() map[string]string {
	return maps.Clone(m.fields)
}

// NRSField returns a reserved namespace field.
func (m *Message) NRSField(name string) (string, bool) {
	val, ok := m.nrsFields[name]
	return val, ok
}

// CheckNRSField is the reserved namespace counterpart of CheckField.
func (m *Message) CheckNRSField(name string) (string, error) {
	val, ok := m.nrsFields[name]
	if !ok {
		return "", fmt.Errorf("%w: nrs:%s", ErrFieldNotFound, name)
	}
	return val, nil
}

func (m *Message) SetNRSField(name, value string) {
	m.nrsFields[name] = value
}

func (m *Message) HasNRSField(name string) bool {
	_, ok := m.nrsFields[name]
	return ok
}

func (m *Message) RemoveNRSField(name string) {
	delete(m.nrsFields, name)
}

// NRSFields returns a copy of the reserved namespace fields.
func (m *Message) NRSFields() map[string]string {
	return maps.Clone(m.nrsFields)
}

// NRSInt parses a reserved field as an integer.
func (m *Message) NRSInt(name string) (int, error) {
	raw, err := m.CheckNRSField(name)
	if err != nil {
		return 0, err
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: nrs:%s=%q", ErrFieldInvalid, name, raw)
	}
	return val, nil
}

// SetNRSInt stores an integer reserved field.
func (m *Message) SetNRSInt(name string, val int) {
	m.nrsFields[name] = strconv.Itoa(val)
}

// IsIntelligent reports whether the message carries addressing hints.
func (m *Message) IsIntelligent() bool {
	raw, ok := m.nrsFields[FieldIntelligent]
	if !ok {
		return false
	}
	val, err := strconv.ParseBool(raw)
	return err == nil && val
}

// IsBroadcast reports whether the message is intelligent and aimed at a
// component by CID.
func (m *Message) IsBroadcast() bool {
	if !m.IsIntelligent() {
		return false
	}
	_, ok := m.nrsFields[FieldTargetCID]
	return ok
}

// Clear wipes both namespaces and the auxiliary record. The type is kept.
func (m *Message) Clear() {
	clear(m.fields)
	clear(m.nrsFields)
	m.aux.Reset()
}

// Clone copies the type and both namespaces. The auxiliary record of the
// copy is fresh since it describes local processing only.
func (m *Message) Clone() *Message {
	return &Message{
		typ:       m.typ,
		fields:    maps.Clone(m.fields),
		nrsFields: maps.Clone(m.nrsFields),
	}
}

func (m *Message) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", m.typ)}
	for _, name := range []string{FieldMsgID, FieldRoute, FieldToVNID, FieldTargetCID} {
		if val, ok := m.nrsFields[name]; ok {
			attrs = append(attrs, slog.String(name, val))
		}
	}
	return slog.GroupValue(attrs...)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s%v nrs%v", m.typ, sortedPairs(m.fields), sortedPairs(m.nrsFields))
}

func sortedPairs(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, key+"="+fields[key])
	}
	return out
}

// TagBroadcast marks msg as an intelligent broadcast aimed at targetCID.
// A hops value <= 0 uses DefaultHopCount. Every call gives msg a new
// broadcast ID, relays use it to recognise copies they already handled.
func TagBroadcast(msg *Message, targetCID string, hops int) {
	if hops <= 0 {
		hops = DefaultHopCount
	}
	msg.SetNRSField(FieldIntelligent, "true")
	msg.SetNRSField(FieldIsBroadcast, "true")
	msg.SetNRSField(FieldTargetCID, targetCID)
	msg.SetNRSInt(FieldHopCount, hops)
	msg.SetNRSField(FieldBroadcastID, uuid.NewString())
}

// RelayKey identifies a broadcast across its copies: its broadcast ID,
// or its source CID and message ID for broadcasts tagged elsewhere. It
// is empty when msg carries neither.
func RelayKey(msg *Message) string {
	if id, ok := msg.NRSField(FieldBroadcastID); ok && id != "" {
		return id
	}
	source, _ := msg.NRSField(FieldSourceCID)
	id, err := msg.NRSInt(FieldMsgID)
	if source == "" || err != nil || id <= NoID {
		return ""
	}
	return source + "#" + strconv.Itoa(id)
}
