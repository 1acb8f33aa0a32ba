// Package kqueue implements the event-notification layer (spec.md L9): a
// filter-dispatch mechanism mapping (identity,filter) pairs to knotes, an
// active-list activation protocol, and a timed, broadcast-wakeable wait.
//
// Grounded on original_source/kernel/kevent.c in full: register_filter_ops/
// get_filter_ops (the per-filter v-table registry), the EV_ADD/EV_DELETE/
// EV_ENABLE/EV_DISABLE/EV_ONESHOT/EV_CLEAR registration and delivery rules
// in what the original calls kqueue_register/kqueue_wait, and
// knlist_activate_notes' "move from the object list to the active list,
// then broadcast" protocol. The (ident,filter)-keyed lookup is
// internal/hashtable (adapted from biscuit's hashtable.go); per spec.md's
// REDESIGN FLAGS note on intrusive lists, object knote lists here are plain
// mutex-guarded slices rather than hand-rolled intrusive links.
package kqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oichkatzele/corekernel/internal/errno"
	"github.com/oichkatzele/corekernel/internal/hashtable"
	"github.com/oichkatzele/corekernel/internal/klog"
)

var log = klog.For("kqueue")

/// Flag is one bit of a registration/subscription request, matching the
/// original's EV_* bits.
type Flag uint16

const (
	EvAdd Flag = 1 << iota
	EvDelete
	EvEnable
	EvDisable
	EvOneshot
	EvClear
)

/// Filter names what kind of object a knote watches (EVFILT_READ and
/// friends in the original); callers define their own small integer space.
type Filter int16

/// Event is one registration change or delivered result, mirroring
/// struct kevent's {ident, filter, flags, data, udata} fields.
type Event struct {
	Ident  uint64
	Filter Filter
	Flags  Flag
	Data   int64
	UData  uint64
}

/// FilterOps is the per-filter v-table (spec.md 4.9: "{attach, detach,
/// event(hint)}"): Attach links a freshly allocated knote into the
/// watched object's list, Detach removes it, Event evaluates whether the
/// knote should fire given a filter-specific hint.
type FilterOps interface {
	Attach(kn *Knote) bool
	Detach(kn *Knote)
	Event(kn *Knote, hint int64) bool
}

var (
	filterMu  sync.Mutex
	filterReg = map[Filter]FilterOps{}
)

/// RegisterFilterOps installs the v-table for filter; panics on a second
/// registration for the same filter, matching register_filter_ops's panic
/// on re-registration.
func RegisterFilterOps(filter Filter, ops FilterOps) {
	filterMu.Lock()
	defer filterMu.Unlock()
	if _, ok := filterReg[filter]; ok {
		panic("kqueue: filter ops already registered for filter")
	}
	filterReg[filter] = ops
}

func getFilterOps(filter Filter) (FilterOps, bool) {
	filterMu.Lock()
	defer filterMu.Unlock()
	ops, ok := filterReg[filter]
	return ops, ok
}

/// Knote is a single (identity,filter) subscription. Invariant (spec.md
/// 4.9): a live knote is on exactly one of {its filter's object list,
/// the owning kqueue's active list}.
type Knote struct {
	Key        hashtable.KnoteKey
	Event      Event
	FilterData any

	ops  FilterOps
	home *ObjectList // the object list this knote belongs to, for its whole life
	obj  *ObjectList // == home while resting there; nil while on the active list
}

/// ObjectList is the per-object knote list a filter attaches into (the
/// original's knlist_t) — e.g. one per pipe, per vnode, per process.
type ObjectList struct {
	mu     sync.Mutex
	knotes []*Knote
}

func NewObjectList() *ObjectList { return &ObjectList{} }

/// Add links kn onto this object's list (knlist_add), and records it as
/// kn's permanent home list on first use.
func (l *ObjectList) Add(kn *Knote) {
	l.mu.Lock()
	kn.obj = l
	kn.home = l
	l.knotes = append(l.knotes, kn)
	l.mu.Unlock()
}

/// Remove unlinks kn if present (knlist_remove).
func (l *ObjectList) Remove(kn *Knote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, k := range l.knotes {
		if k == kn {
			l.knotes = append(l.knotes[:i], l.knotes[i+1:]...)
			kn.obj = nil
			return
		}
	}
}

/// Activate evaluates every resting knote's f_event(hint); those that fire
/// move from this object list to kq's active list, and kq's waiters are
/// broadcast (knlist_activate_notes).
func (l *ObjectList) Activate(hint int64, kq *Kqueue) {
	l.mu.Lock()
	var fired []*Knote
	remaining := l.knotes[:0]
	for _, kn := range l.knotes {
		if kn.ops.Event(kn, hint) {
			fired = append(fired, kn)
		} else {
			remaining = append(remaining, kn)
		}
	}
	l.knotes = remaining
	l.mu.Unlock()

	if len(fired) == 0 {
		return
	}
	kq.mu.Lock()
	for _, kn := range fired {
		kn.obj = nil
		kq.active = append(kq.active, kn)
	}
	kq.mu.Unlock()
	kq.cond.Broadcast()
}

/// Kqueue is one event queue: a hash table of knotes keyed by
/// (ident,filter) plus an active list and a condition variable waiters
/// block on (spec.md 4.9's "hash table ... active-knote list ... mutex ...
/// state word").
type Kqueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	table    *hashtable.Table
	active   []*Knote
	timedOut bool

	// id is a debug-only correlation token stitched into log fields; it
	// never participates in lookups (those stay on the (ident,filter) key).
	id uuid.UUID
}

/// New allocates an empty Kqueue with a KQUEUE_HASH_SIZE-equivalent bucket
/// count.
func New() *Kqueue {
	kq := &Kqueue{table: hashtable.New(256), id: uuid.New()}
	kq.cond = sync.NewCond(&kq.mu)
	return kq
}

/// ID returns the kqueue's debug correlation token for log filtering.
func (kq *Kqueue) ID() uuid.UUID { return kq.id }

/// Register applies one change (kqueue_register): EV_DELETE removes an
/// existing knote; EV_ADD with no existing knote allocates and attaches
/// one into obj; otherwise the existing knote's enable/disable/clear bits
/// are updated in place.
func (kq *Kqueue) Register(kev Event, obj *ObjectList) errno.Errno {
	key := hashtable.KnoteKey{Ident: kev.Ident, Filter: int16(kev.Filter)}
	log.WithFields(logrus.Fields{
		"kq": kq.id, "ident": kev.Ident, "filter": kev.Filter, "flags": kev.Flags,
	}).Debug("register")

	existing, found := kq.table.Get(key)
	if kev.Flags&EvDelete != 0 {
		if !found {
			return errno.EINVAL
		}
		kn := existing.(*Knote)
		if kn.obj != nil {
			kn.obj.Remove(kn)
		} else {
			kq.removeActive(kn)
		}
		kn.ops.Detach(kn)
		kq.table.Del(key)
		return errno.OK
	}

	if !found {
		if kev.Flags&EvAdd == 0 {
			return errno.EINVAL
		}
		ops, ok := getFilterOps(kev.Filter)
		if !ok {
			return errno.EINVAL
		}
		kn := &Knote{Key: key, Event: kev, ops: ops}
		if !ops.Attach(kn) {
			return errno.EINVAL
		}
		kq.table.Set(key, kn)
		if kn.obj == nil {
			obj.Add(kn)
		}
		return errno.OK
	}

	kn := existing.(*Knote)
	if kev.Flags&EvEnable != 0 {
		kn.Event.Flags &^= EvDisable
	}
	if kev.Flags&EvDisable != 0 {
		kn.Event.Flags |= EvDisable
	}
	if kev.Flags&EvClear != 0 {
		kn.Event.Flags |= EvClear
	}
	return errno.OK
}

func (kq *Kqueue) removeActive(kn *Knote) {
	kq.mu.Lock()
	defer kq.mu.Unlock()
	for i, k := range kq.active {
		if k == kn {
			kq.active = append(kq.active[:i], kq.active[i+1:]...)
			return
		}
	}
}

/// Wait delivers up to nevents active events (kqueue_wait), blocking with
/// the given timeout (0 = poll, negative = block forever) when nothing is
/// immediately ready. A disabled knote found on the active list is held
/// back for a later Wait. Delivered oneshot knotes are detached and freed;
/// delivered clear-mode knotes have Data reset to 0 and return to their
/// object's list for the next fire; all others likewise return to their
/// object's list.
func (kq *Kqueue) Wait(nevents int, timeout time.Duration) ([]Event, errno.Errno) {
	if nevents <= 0 {
		return nil, errno.EINVAL
	}

	deadline := time.Time{}
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		delivered := kq.drain(nevents)
		if len(delivered) > 0 {
			return delivered, errno.OK
		}
		if timeout == 0 {
			return nil, errno.OK
		}
		if !kq.waitForActivity(deadline, hasDeadline) {
			return nil, errno.OK // timed out; no events, not an error
		}
	}
}

func (kq *Kqueue) drain(nevents int) []Event {
	kq.mu.Lock()
	defer kq.mu.Unlock()

	var delivered []Event
	remaining := kq.active[:0:0]
	for _, kn := range kq.active {
		if len(delivered) >= nevents {
			remaining = append(remaining, kn)
			continue
		}
		if kn.Event.Flags&EvDisable != 0 {
			remaining = append(remaining, kn)
			continue
		}

		// re-check the filter before handing the event out: the condition
		// that activated kn may no longer hold (kevent.c's f_event(kn, 0)
		// re-evaluation). A knote that no longer fires goes back to its
		// object list instead of being delivered.
		if !kn.ops.Event(kn, 0) {
			kn.home.Add(kn)
			continue
		}

		delivered = append(delivered, kn.Event)
		if kn.Event.Flags&EvOneshot != 0 {
			kn.ops.Detach(kn)
			kq.table.Del(kn.Key)
			continue
		}
		if kn.Event.Flags&EvClear != 0 {
			kn.Event.Data = 0
		}
		kn.home.Add(kn)
	}
	kq.active = remaining
	return delivered
}

func (kq *Kqueue) waitForActivity(deadline time.Time, hasDeadline bool) bool {
	kq.mu.Lock()
	defer kq.mu.Unlock()

	if !hasDeadline {
		kq.cond.Wait()
		return true
	}

	kq.timedOut = false
	timer := time.AfterFunc(time.Until(deadline), func() {
		kq.mu.Lock()
		kq.timedOut = true
		kq.cond.Broadcast()
		kq.mu.Unlock()
	})
	kq.cond.Wait()
	timer.Stop()
	return !kq.timedOut
}
