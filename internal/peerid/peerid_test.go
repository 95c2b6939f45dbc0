package peerid

import "testing"

func TestShapeAndRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != 20 {
			t.Fatalf("len(id) = %d, want 20", len(id))
		}
		if string(id[:8]) != "-PK0001-" {
			t.Fatalf("prefix = %q, want -PK0001-", id[:8])
		}
		for j := 8; j < 20; j++ {
			if id[j] > 9 {
				t.Fatalf("suffix byte %d = %d, want raw value 0-9", j, id[j])
			}
		}
	}
}

func TestStringRendersDigits(t *testing.T) {
	id := ID{}
	copy(id[:8], "-PK0001-")
	for i := 8; i < 20; i++ {
		id[i] = byte((i - 8) % 10)
	}
	s := id.String()
	if s != "-PK0001-012345678901" {
		t.Fatalf("String() = %q", s)
	}
}
