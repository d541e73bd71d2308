package pagination

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, height := range []int64{0, 1, 42, 1 << 40} {
		c := Encode(height)
		got, err := Decode(c)
		if err != nil {
			t.Fatalf("Decode(%q): %v", c, err)
		}
		if got != height {
			t.Errorf("round trip = %d, want %d", got, height)
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	height, err := Decode("")
	if err != nil || height != 0 {
		t.Fatalf("Decode(\"\") = %d, %v", height, err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, s := range []string{"not base64!!!", "bm90IGEgbnVtYmVy", Encode(-1)} {
		if _, err := Decode(s); err == nil {
			t.Errorf("Decode(%q) should fail", s)
		}
	}
}

func TestComputePage(t *testing.T) {
	type rec struct{ h int64 }
	items := []rec{{1}, {2}, {3}, {4}, {5}}
	key := func(r rec) int64 { return r.h }

	// Fetched limit+1: has more.
	page, cursor, more := ComputePage(items, 4, key)
	if len(page) != 4 || !more {
		t.Fatalf("page=%d more=%v", len(page), more)
	}
	next, err := Decode(cursor)
	if err != nil || next != 4 {
		t.Fatalf("cursor decodes to %d, %v", next, err)
	}

	// Fewer items than limit: last page.
	page, cursor, more = ComputePage(items, 10, key)
	if len(page) != 5 || more || cursor != "" {
		t.Fatalf("last page: len=%d more=%v cursor=%q", len(page), more, cursor)
	}
}
