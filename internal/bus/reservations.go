package bus

import "sync"

// reservationGranule matches the minimum LR/SC granule used by harts; kept
// here too since the bus is the only thing that sees every hart's stores and
// so is the natural place to enforce "any store to the granule clears it".
const reservationGranule = 64

func granuleBase(addr uint64) uint64 { return addr &^ (reservationGranule - 1) }

// Reservations tracks one LR/SC reservation per hart. Reservations are
// local to each hart (no cross-hart reservation is ever "stolen" directly),
// but a store or AMO from ANY hart to an overlapping granule clears it —
// this is the real hardware rule, implemented here because the bus already
// observes every store regardless of which hart issued it.
type Reservations struct {
	mu    sync.Mutex
	owner map[uint64]uint64 // hartID -> reserved granule base
}

func NewReservations() *Reservations {
	return &Reservations{owner: make(map[uint64]uint64)}
}

func (r *Reservations) Load(hartID, addr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner[hartID] = granuleBase(addr)
}

// StoreConditional reports success and always consumes hartID's reservation.
func (r *Reservations) StoreConditional(hartID, addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	base, ok := r.owner[hartID]
	delete(r.owner, hartID)
	return ok && base == granuleBase(addr)
}

// Clear drops hartID's own reservation (used when the hart itself issues an
// ordinary store/AMO, which clears its own outstanding LR).
func (r *Reservations) Clear(hartID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owner, hartID)
}

// InvalidateOverlapping clears every hart's reservation whose granule
// overlaps addr, modeling a store (from any hart, including the reservation
// owner) evicting that reservation.
func (r *Reservations) InvalidateOverlapping(addr uint64) {
	base := granuleBase(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.owner {
		if b == base {
			delete(r.owner, id)
		}
	}
}
