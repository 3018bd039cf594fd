package filetransfer

import (
	"bytes"
	"testing"
)

func TestShardCoderEncodeReconstructRoundTrip(t *testing.T) {
	coder, err := newShardCoder()
	if err != nil {
		t.Fatalf("newShardCoder() error = %v", err)
	}

	data := []byte("erasure-coded chunk payload for a secure file transfer")
	shards, err := coder.encode(data)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if len(shards) != TotalShards {
		t.Fatalf("shard count = %d, want %d", len(shards), TotalShards)
	}

	decoded, err := coder.reconstruct(shards, len(data))
	if err != nil {
		t.Fatalf("reconstruct() error = %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("reconstruct() = %q, want %q", decoded, data)
	}
}

func TestShardCoderToleratesUpToFiveMissingShards(t *testing.T) {
	coder, err := newShardCoder()
	if err != nil {
		t.Fatalf("newShardCoder() error = %v", err)
	}

	data := []byte("mesh link drops several shards but the chunk must still reconstruct")
	shards, err := coder.encode(data)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	for _, missing := range [][]int{{}, {0}, {0, 1, 2}, {0, 1, 2, 3, 4}, {10, 11, 12, 13, 14}} {
		cp := make([][]byte, len(shards))
		copy(cp, shards)
		for _, idx := range missing {
			cp[idx] = nil
		}
		decoded, err := coder.reconstruct(cp, len(data))
		if err != nil {
			t.Fatalf("reconstruct() with missing=%v error = %v", missing, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Fatalf("reconstruct() with missing=%v mismatched original", missing)
		}
	}
}

func TestShardCoderFailsWithSixMissingShards(t *testing.T) {
	coder, err := newShardCoder()
	if err != nil {
		t.Fatalf("newShardCoder() error = %v", err)
	}

	data := []byte("six losses exceeds the fifteen-shard ten-data five-parity tolerance")
	shards, err := coder.encode(data)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		shards[i] = nil
	}

	if _, err := coder.reconstruct(shards, len(data)); err == nil {
		t.Fatal("reconstruct() with 6 missing shards succeeded, want error")
	}
}

func TestShardCoderRejectsEmptyInput(t *testing.T) {
	coder, err := newShardCoder()
	if err != nil {
		t.Fatalf("newShardCoder() error = %v", err)
	}
	if _, err := coder.encode(nil); err == nil {
		t.Fatal("encode(nil) succeeded, want error")
	}
}
