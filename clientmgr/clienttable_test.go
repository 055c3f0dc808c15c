package clientmgr

import "testing"

func TestAllocateIDLinearProbeAvoidsPopulatedAndReserved(t *testing.T) {
	tbl := newClientTable()

	id1, ok := tbl.allocateID()
	if !ok || id1 != 1 {
		t.Fatalf("first id = %d, ok=%v; want 1, true", id1, ok)
	}
	tbl.publish(id1, &Client{ID: id1})

	id2, ok := tbl.allocateID()
	if !ok || id2 != 2 {
		t.Fatalf("second id = %d, ok=%v; want 2, true", id2, ok)
	}
	// Leave id2 reserved (not published), rewind the probe start to 1, and
	// make sure the next probe skips both the populated id1 and the
	// merely-reserved id2.
	tbl.lastAllocated = 0
	id3, ok := tbl.allocateID()
	if !ok || id3 != 3 {
		t.Fatalf("third id = %d, ok=%v; want 3, true", id3, ok)
	}
}

func TestAllocateIDExhaustion(t *testing.T) {
	tbl := newClientTable()
	// Populate the entire 16-bit space so the probe wraps fully.
	for i := 0; i < 65536; i++ {
		id := uint16(i)
		tbl.clients[id] = &Client{ID: id}
	}
	if _, ok := tbl.allocateID(); ok {
		t.Fatal("expected id_exhaustion, got a free id")
	}
}

func TestRemoveIdempotentAfterRace(t *testing.T) {
	tbl := newClientTable()
	id, _ := tbl.allocateID()
	tbl.publish(id, &Client{ID: id})

	if !tbl.remove(id) {
		t.Fatal("first remove should report the id was present")
	}
	if tbl.remove(id) {
		t.Fatal("second remove (racing disconnect) must be a no-op")
	}
}

func TestPopulatedCountMatchesAfterMutation(t *testing.T) {
	tbl := newClientTable()
	for i := 0; i < 10; i++ {
		id, ok := tbl.allocateID()
		if !ok {
			t.Fatal("unexpected exhaustion")
		}
		tbl.publish(id, &Client{ID: id})
	}
	if got := tbl.populatedCount(); got != 10 {
		t.Fatalf("populatedCount() = %d, want 10", got)
	}
}
