package dht

import "testing"

func idWithLastByte(b byte) ID {
	var id ID
	id[IDLen-1] = b
	return id
}

func TestRandomID_Distinct(t *testing.T) {
	if RandomID() == RandomID() {
		t.Fatal("two random IDs collided")
	}
}

func TestIDFromBytes(t *testing.T) {
	if _, err := IDFromBytes(make([]byte, 19)); err == nil {
		t.Fatal("expected error for short input")
	}

	raw := make([]byte, IDLen)
	raw[0] = 0xab
	id, err := IDFromBytes(raw)
	if err != nil {
		t.Fatalf("IDFromBytes: %v", err)
	}
	if id[0] != 0xab {
		t.Fatalf("id[0] = %#x, want 0xab", id[0])
	}
}

func TestDistance(t *testing.T) {
	a := idWithLastByte(0x05)
	b := idWithLastByte(0x0c)

	d := Distance(a, b)
	if d[IDLen-1] != 0x09 {
		t.Fatalf("distance byte = %#x, want 0x09", d[IDLen-1])
	}

	// Symmetric, zero iff equal.
	if Distance(b, a) != d {
		t.Fatal("distance is not symmetric")
	}
	if Distance(a, a) != (ID{}) {
		t.Fatal("self-distance is not zero")
	}
	if Distance(a, b) == (ID{}) {
		t.Fatal("distinct IDs have zero distance")
	}
}

func TestDistanceTriangle(t *testing.T) {
	// d(A,C) == d(A,B) XOR d(B,C) holds bitwise for the XOR metric.
	a, b, c := RandomID(), RandomID(), RandomID()

	ac := Distance(a, c)
	combined := Distance(Distance(a, b), Distance(b, c))
	if ac != combined {
		t.Fatalf("d(a,c) = %v, d(a,b)^d(b,c) = %v", ac, combined)
	}
}

func TestDistanceCmp(t *testing.T) {
	target := idWithLastByte(0x05)

	tests := []struct {
		name string
		a, b byte
		want int
	}{
		{"a-closer", 0x04, 0x08, -1},
		{"b-closer", 0x08, 0x04, 1},
		{"equal", 0x07, 0x07, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DistanceCmp(target, idWithLastByte(tc.a), idWithLastByte(tc.b))
			if got != tc.want {
				t.Fatalf("DistanceCmp = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCommonPrefixLen(t *testing.T) {
	var zero ID

	tests := []struct {
		name string
		b    ID
		want int
	}{
		{"identical", zero, 160},
		{"first-bit", ID{0x80}, 0},
		{"second-bit", ID{0x40}, 1},
		{"eighth-bit", ID{0x01}, 7},
		{"second-byte", ID{0x00, 0x80}, 8},
		{"last-bit", idWithLastByte(0x01), 159},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CommonPrefixLen(zero, tc.b); got != tc.want {
				t.Fatalf("CommonPrefixLen = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIDBit(t *testing.T) {
	id := ID{0x80, 0x01}

	if id.Bit(0) != 1 {
		t.Fatal("bit 0 should be set")
	}
	if id.Bit(1) != 0 {
		t.Fatal("bit 1 should be clear")
	}
	if id.Bit(15) != 1 {
		t.Fatal("bit 15 should be set")
	}
}
