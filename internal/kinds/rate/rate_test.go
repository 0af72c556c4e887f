package rate

import "testing"

func TestSlotForDelaySmallWindowIsIdentity(t *testing.T) {
	// delay < maxSlots: one second per slot, no scaling.
	for i := int64(0); i < 10; i++ {
		if got := slotForDelay(i, 10, false); got != int(i) {
			t.Errorf("slotForDelay(%d, 10, false) = %d, want %d", i, got, i)
		}
	}
}

func TestSlotForDelayOutOfRange(t *testing.T) {
	if got := slotForDelay(-1, 60, false); got != -1 {
		t.Errorf("slotForDelay(-1, ...) = %d, want -1", got)
	}
	if got := slotForDelay(60, 60, false); got != -1 {
		t.Errorf("slotForDelay(delay, delay, ...) = %d, want -1 (out of window)", got)
	}
}

func TestSlotForDelayLargeWindowScales(t *testing.T) {
	// delay >= maxSlots: slots are proportional buckets of the window.
	const delay = 3600 // one hour, 128 slots of ~28.1s each
	first := slotForDelay(0, delay, false)
	last := slotForDelay(delay-1, delay, false)
	if first != 0 {
		t.Errorf("slotForDelay(0, ...) = %d, want 0", first)
	}
	if last != maxSlots-1 {
		t.Errorf("slotForDelay(delay-1, ...) = %d, want %d", last, maxSlots-1)
	}
}

func TestDelayForSlotInvertsSlotForDelay(t *testing.T) {
	const delay = 3600
	for slot := 0; slot < maxSlots; slot += 17 {
		d := delayForSlot(slot, delay)
		back := slotForDelay(d, delay, false)
		// Rounding means back may trail slot by at most one bucket, but
		// it must never jump ahead of it.
		if back > slot {
			t.Errorf("delayForSlot(%d) = %d, slotForDelay of that = %d > %d", slot, d, back, slot)
		}
	}
}

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	e := entry{ts: 1700000000, delay: 3600, lastTotal: 7, slots: []uint16{1, 0, 3, 9}}
	decoded, ok := decodeEntry(encodeEntry(e))
	if !ok {
		t.Fatal("decodeEntry() reported failure on a freshly encoded entry")
	}
	if decoded.ts != e.ts || decoded.delay != e.delay || decoded.lastTotal != e.lastTotal {
		t.Errorf("decoded scalar fields = %+v, want matching %+v", decoded, e)
	}
	if len(decoded.slots) != len(e.slots) {
		t.Fatalf("decoded %d slots, want %d", len(decoded.slots), len(e.slots))
	}
	for i := range e.slots {
		if decoded.slots[i] != e.slots[i] {
			t.Errorf("slot[%d] = %d, want %d", i, decoded.slots[i], e.slots[i])
		}
	}
}

func TestDecodeEntryRejectsShortBuffer(t *testing.T) {
	if _, ok := decodeEntry([]byte{1, 2, 3}); ok {
		t.Error("decodeEntry() should reject a buffer shorter than the fixed header")
	}
}
