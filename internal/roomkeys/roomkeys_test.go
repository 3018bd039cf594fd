package roomkeys

import "testing"

func TestSwarmKeyDeterministicAndDistinct(t *testing.T) {
	k1, err := SwarmKey("room-alpha")
	if err != nil {
		t.Fatalf("SwarmKey() error = %v", err)
	}
	k1Again, err := SwarmKey("room-alpha")
	if err != nil {
		t.Fatalf("SwarmKey() error = %v", err)
	}
	if k1 != k1Again {
		t.Fatalf("SwarmKey() not deterministic")
	}

	k2, err := SwarmKey("room-beta")
	if err != nil {
		t.Fatalf("SwarmKey() error = %v", err)
	}
	if k1 == k2 {
		t.Fatalf("SwarmKey() produced identical output for different rooms")
	}
}

func TestPSKBindsRoomAndBundle(t *testing.T) {
	var bundleA, bundleB [32]byte
	bundleA[0] = 0x01
	bundleB[0] = 0x02

	p1, err := PSK("room-alpha", bundleA)
	if err != nil {
		t.Fatalf("PSK() error = %v", err)
	}
	p2, err := PSK("room-alpha", bundleB)
	if err != nil {
		t.Fatalf("PSK() error = %v", err)
	}
	if p1 == p2 {
		t.Fatalf("PSK() ignored the pre-key bundle")
	}

	p3, err := PSK("room-beta", bundleA)
	if err != nil {
		t.Fatalf("PSK() error = %v", err)
	}
	if p1 == p3 {
		t.Fatalf("PSK() ignored the room id")
	}
}
