package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSubscribeUnsubscribeIsIdempotent covers spec §8 property 7:
// subscribing then unsubscribing a callback leaves the registry
// bit-identical (by length) to its prior state.
func TestSubscribeUnsubscribeIsIdempotent(t *testing.T) {
	r := New(nil)
	before := r.Len()

	h := r.Subscribe(Any(), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {})
	assert.Equal(t, before+1, r.Len())

	h.Unsubscribe()
	assert.Equal(t, before, r.Len())

	// Unsubscribing twice is a no-op, not an error.
	h.Unsubscribe()
	assert.Equal(t, before, r.Len())
}

func TestDispatchHonorsFilters(t *testing.T) {
	r := New(nil)
	var gotGlobal, gotAddressed, gotOther int

	r.Subscribe(Any(), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
		gotGlobal++
	})
	r.Subscribe(ForAddress(0x42), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
		gotAddressed++
	})
	r.Subscribe(Predicate(func(dest uint8) bool { return dest == 0x7 }), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
		gotOther++
	})

	r.Dispatch(6, 0xFEB0, 0x90, 0x42, 0, nil)
	assert.Equal(t, 1, gotGlobal)
	assert.Equal(t, 1, gotAddressed)
	assert.Equal(t, 0, gotOther)

	r.Dispatch(6, 0xFEB0, 0x90, GlobalAddress, 0, nil)
	assert.Equal(t, 2, gotGlobal)
	assert.Equal(t, 2, gotAddressed) // ForAddress also accepts GLOBAL
	assert.Equal(t, 1, gotOther)     // Predicate also accepts GLOBAL
}

func TestDispatchRecoversPanickingSubscriber(t *testing.T) {
	r := New(nil)
	var secondRan bool
	r.Subscribe(Any(), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
		panic("boom")
	})
	r.Subscribe(Any(), func(priority uint8, pgn uint32, sourceAddress uint8, timestamp float64, data []byte) {
		secondRan = true
	})

	assert.NotPanics(t, func() {
		r.Dispatch(6, 0, 0, GlobalAddress, 0, nil)
	})
	assert.True(t, secondRan)
}
