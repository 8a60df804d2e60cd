package variable

import (
	"fmt"
	"sync"
)

// Endpoint designates a variable. An empty CID means the variable lives
// in this component.
type Endpoint struct {
	CID  string
	VNID int
}

func (e Endpoint) OnBoard() bool {
	return e.CID == ""
}

func (e Endpoint) String() string {
	if e.OnBoard() {
		return fmt.Sprintf("#%d", e.VNID)
	}
	return fmt.Sprintf("%s#%d", e.CID, e.VNID)
}

// Link connects a source variable to a target variable.
type Link struct {
	source    Endpoint
	target    Endpoint
	temporary bool

	lk    sync.Mutex
	route string
}

func newLink(source, target Endpoint, temporary bool) *Link {
	return &Link{
		source:    source,
		target:    target,
		temporary: temporary,
	}
}

func (l *Link) Source() Endpoint {
	return l.source
}

func (l *Link) Target() Endpoint {
	return l.target
}

func (l *Link) Temporary() bool {
	return l.temporary
}

// OnBoard reports whether both ends live in this component.
func (l *Link) OnBoard() bool {
	return l.source.OnBoard() && l.target.OnBoard()
}

// IsSource reports whether the on-board variable vnid is the source of
// the link.
func (l *Link) IsSource(vnid int) bool {
	return l.source.OnBoard() && l.source.VNID == vnid
}

// Route returns the route used by the last off-board send.
func (l *Link) Route() string {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.route
}

func (l *Link) setRoute(route string) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.route = route
}

// peer returns the end of the link which is not the variable vnid.
func (l *Link) peer(vnid int) Endpoint {
	if l.IsSource(vnid) {
		return l.target
	}
	return l.source
}

func (l *Link) String() string {
	return fmt.Sprintf("%s->%s", l.source, l.target)
}
