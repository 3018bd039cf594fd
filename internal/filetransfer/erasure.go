package filetransfer

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/veilroom/veilcore/internal/faults"
)

// DataShards and ParityShards fix the redundancy ratio named in §9:
// any 10 of the resulting 15 shards reconstruct a chunk, tolerating
// the loss of up to 5 across lossy peer links.
const (
	DataShards           = 10
	ParityShards         = 5
	TotalShards          = DataShards + ParityShards
	MinShardsForRecovery = DataShards
)

// shardCoder wraps a Reed-Solomon encoder sized for one chunk's
// redundancy set.
type shardCoder struct {
	enc reedsolomon.Encoder
}

func newShardCoder() (*shardCoder, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "filetransfer.newShardCoder", err)
	}
	return &shardCoder{enc: enc}, nil
}

// encode splits one chunk's plaintext into 15 same-size shards, the
// last 5 of which are parity.
func (s *shardCoder) encode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, faults.New(faults.KindUsage, "filetransfer.encode", fmt.Errorf("cannot encode empty chunk"))
	}
	shards, err := s.enc.Split(data)
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "filetransfer.encode", err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return nil, faults.New(faults.KindCrypto, "filetransfer.encode", err)
	}
	return shards, nil
}

// reconstruct rebuilds a chunk's plaintext from a shard set with some
// entries possibly nil, given the original plaintext size for
// trimming reedsolomon's block padding.
func (s *shardCoder) reconstruct(shards [][]byte, originalSize int) ([]byte, error) {
	if len(shards) != TotalShards {
		return nil, faults.New(faults.KindCodec, "filetransfer.reconstruct",
			fmt.Errorf("expected %d shards, got %d", TotalShards, len(shards)))
	}

	available := 0
	for _, sh := range shards {
		if sh != nil {
			available++
		}
	}
	if available < MinShardsForRecovery {
		return nil, faults.New(faults.KindCodec, "filetransfer.reconstruct",
			fmt.Errorf("insufficient shards: have %d, need %d", available, MinShardsForRecovery))
	}

	work := make([][]byte, TotalShards)
	copy(work, shards)
	if err := s.enc.Reconstruct(work); err != nil {
		return nil, faults.New(faults.KindCrypto, "filetransfer.reconstruct", err)
	}

	buf := make([]byte, 0, originalSize)
	for i := 0; i < DataShards; i++ {
		buf = append(buf, work[i]...)
	}
	if len(buf) > originalSize {
		buf = buf[:originalSize]
	}
	return buf, nil
}
