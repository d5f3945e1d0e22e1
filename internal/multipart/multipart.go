// Package multipart reassembles concatenated SMS parts, keyed by the
// 8-bit reference carried in the concat user-data-header element.
package multipart

import (
	"sync"
	"time"
)

// StallTimeout is how long a group may go without a new part before the
// scavenger removes it.
const StallTimeout = 30 * time.Minute

// ScavengeInterval is the default period between scavenger sweeps.
const ScavengeInterval = 10 * time.Minute

// ErrInvalidUDH is returned when a part's concat index/total are
// inconsistent (index 0, or index > total).
type ErrInvalidUDH struct {
	Ref, Total, Index byte
}

func (e ErrInvalidUDH) Error() string {
	return "multipart: invalid concat header"
}

// Part is one incoming SMS part to feed into a group.
type Part struct {
	Ref         byte
	Total       byte
	Index       byte // 1-based, as carried on the wire
	PhoneNumber string
	Text        string
	Timestamp   time.Time
}

// Message is a fully reassembled multipart SMS.
type Message struct {
	PhoneNumber string
	Content     string
	Timestamp   time.Time
}

type group struct {
	total        int
	slots        []*string
	received     int
	phoneNumber  string
	timestamp    time.Time
	lastActivity time.Time
}

// Reassembler tracks in-flight multipart groups. Safe for concurrent use.
type Reassembler struct {
	mu     sync.Mutex
	groups map[byte]*group
	now    func() time.Time
}

// New creates an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{groups: make(map[byte]*group), now: time.Now}
}

// Add feeds one part into its group. It returns (message, true) once every
// slot in the group is populated, at which point the group is removed.
// Otherwise it returns (zero, false). A duplicate retransmission (a slot
// that is already populated) is ignored, per spec idempotence.
func (r *Reassembler) Add(p Part) (Message, bool, error) {
	if p.Index == 0 || int(p.Index) > int(p.Total) || p.Total == 0 {
		return Message{}, false, ErrInvalidUDH{Ref: p.Ref, Total: p.Total, Index: p.Index}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[p.Ref]
	if !ok {
		g = &group{
			total:       int(p.Total),
			slots:       make([]*string, p.Total),
			phoneNumber: p.PhoneNumber,
			timestamp:   p.Timestamp,
		}
		r.groups[p.Ref] = g
	}
	g.lastActivity = r.nowFunc()

	idx := int(p.Index) - 1 // 1-based on the wire, 0-based internally
	if idx >= 0 && idx < len(g.slots) && g.slots[idx] == nil {
		text := p.Text
		g.slots[idx] = &text
		g.received++
	}

	if g.received < g.total {
		return Message{}, false, nil
	}

	content := ""
	for _, s := range g.slots {
		if s != nil {
			content += *s
		}
	}
	delete(r.groups, p.Ref)
	return Message{PhoneNumber: g.phoneNumber, Content: content, Timestamp: g.timestamp}, true, nil
}

func (r *Reassembler) nowFunc() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Scavenge removes any group whose last activity is older than
// StallTimeout and returns the refs it removed, for the caller to log.
func (r *Reassembler) Scavenge() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	var removed []byte
	for ref, g := range r.groups {
		if now.Sub(g.lastActivity) > StallTimeout {
			removed = append(removed, ref)
			delete(r.groups, ref)
		}
	}
	return removed
}

// PendingCount reports how many groups are currently in flight, for
// diagnostics and tests.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
