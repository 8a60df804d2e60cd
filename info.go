package nrs

import (
	"log/slog"
	"sync"
)

// ComponentInfo is the identity of a Component.
type ComponentInfo struct {
	lk      sync.RWMutex
	cid     string
	typ     string
	version string
	route   string
	bmf     bool
	pml     bool
}

func (ci *ComponentInfo) CID() string {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.cid
}

// adoptCID sets the CID only if none was assigned yet.
func (ci *ComponentInfo) adoptCID(cid string) bool {
	ci.lk.Lock()
	defer ci.lk.Unlock()
	if ci.cid != "" || cid == "" {
		return false
	}
	ci.cid = cid
	return true
}

func (ci *ComponentInfo) Type() string {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.typ
}

func (ci *ComponentInfo) Version() string {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.version
}

func (ci *ComponentInfo) SupportsBMF() bool {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.bmf
}

func (ci *ComponentInfo) SupportsPML() bool {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.pml
}

// Route is how the component was last reached by its parent, if any.
func (ci *ComponentInfo) Route() string {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return ci.route
}

func (ci *ComponentInfo) SetRoute(route string) {
	ci.lk.Lock()
	defer ci.lk.Unlock()
	ci.route = route
}

func (ci *ComponentInfo) LogValue() slog.Value {
	ci.lk.RLock()
	defer ci.lk.RUnlock()
	return slog.GroupValue(
		slog.String("cid", ci.cid),
		slog.String("type", ci.typ),
		slog.String("version", ci.version),
	)
}
