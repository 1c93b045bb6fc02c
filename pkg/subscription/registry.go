// Package subscription implements the filtered fan-out registry (spec §4.6,
// component C6): subscribe/unsubscribe a callback, optionally scoped to a
// destination address, and dispatch inbound PDUs to every match in
// registration order.
package subscription

import "log/slog"

// Callback receives a fully decoded inbound PDU.
type Callback func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte)

// Filter decides whether a subscriber accepts a PDU addressed to dest.
// Modeled as a tagged union (spec §9 design note: "model as an enum Filter
// = Any | Address(u8) | Predicate(fn)") rather than the original's
// attribute-shimmed device_address field.
type Filter struct {
	kind      filterKind
	address   uint8
	predicate func(dest uint8) bool
}

type filterKind uint8

const (
	filterAny filterKind = iota
	filterAddress
	filterPredicate
)

// Any matches every inbound PDU regardless of destination, mirroring the
// original's "no device_address" subscription mode.
func Any() Filter { return Filter{kind: filterAny} }

// ForAddress matches PDUs destined to addr, or to the GLOBAL address.
func ForAddress(addr uint8) Filter { return Filter{kind: filterAddress, address: addr} }

// Predicate matches PDUs for which fn(dest) returns true, or the GLOBAL
// address.
func Predicate(fn func(dest uint8) bool) Filter { return Filter{kind: filterPredicate, predicate: fn} }

// GlobalAddress is the J1939 broadcast destination address (255). Defined
// locally to avoid an import cycle with the root package; it is identical
// in value to j1939.AddressGlobal.
const GlobalAddress uint8 = 255

func (f Filter) accepts(dest uint8) bool {
	switch f.kind {
	case filterAny:
		return true
	case filterAddress:
		return dest == GlobalAddress || dest == f.address
	case filterPredicate:
		return dest == GlobalAddress || (f.predicate != nil && f.predicate(dest))
	default:
		return false
	}
}

type entry struct {
	id     uint64
	filter Filter
	cb     Callback
}

// Registry is a mutex-free-on-dispatch, append/remove registry of
// subscribers. Subscribe/Unsubscribe hold a short lock; Dispatch takes a
// snapshot under lock and then calls back outside it, so no callback is
// ever invoked while the registry lock is held (spec §5).
type Registry struct {
	logger  *slog.Logger
	mu      chan struct{} // 1-buffered channel used as a non-reentrant mutex
	nextID  uint64
	entries []entry
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger, mu: make(chan struct{}, 1)}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

// subscriberHandle is returned by Subscribe and identifies one registration,
// since Go callbacks (func values) are not comparable with ==.
type subscriberHandle struct {
	id uint64
	r  *Registry
}

// Subscribe registers cb under filter, returning a handle whose Unsubscribe
// removes exactly this registration.
func (r *Registry) Subscribe(filter Filter, cb Callback) *subscriberHandle {
	r.lock()
	defer r.unlock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry{id: id, filter: filter, cb: cb})
	return &subscriberHandle{id: id, r: r}
}

// Unsubscribe removes this registration, if still present. Idempotent.
func (h *subscriberHandle) Unsubscribe() {
	h.r.lock()
	defer h.r.unlock()
	for i, e := range h.r.entries {
		if e.id == h.id {
			h.r.entries = append(h.r.entries[:i:i], h.r.entries[i+1:]...)
			return
		}
	}
}

// Len reports the number of live subscriptions, for idempotence tests
// (spec §8 property 7).
func (r *Registry) Len() int {
	r.lock()
	defer r.unlock()
	return len(r.entries)
}

// Dispatch delivers the PDU to every subscriber whose filter accepts dest,
// in registration order. A panicking subscriber is recovered and logged;
// dispatch continues with the next subscriber (spec invariant vi).
func (r *Registry) Dispatch(priority uint8, pgn uint32, sourceAddress, dest uint8, timestamp float64, data []byte) {
	r.lock()
	snapshot := make([]entry, len(r.entries))
	copy(snapshot, r.entries)
	r.unlock()

	for _, e := range snapshot {
		if !e.filter.accepts(dest) {
			continue
		}
		r.invoke(e.cb, priority, pgn, sourceAddress, timestamp, data)
	}
}

func (r *Registry) invoke(cb Callback, priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked, continuing dispatch", "recover", rec, "pgn", pgn)
		}
	}()
	cb(priority, pgn, sourceAddress, timestamp, data)
}
