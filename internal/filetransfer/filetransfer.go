// Package filetransfer implements the chunked, erasure-coded file
// transfer adapter (C7): it splits a file into fixed-size chunks,
// checksums the whole file and each chunk, redundantly encodes every
// chunk with Reed-Solomon shards, and drives a bounded number of
// concurrent chunk sends through the session controller's encrypted
// "file" envelope path. It does not open sockets itself — it is
// handed a Sender (satisfied by session.Controller) and drives it.
package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/sessionlog"
)

// ChunkSize is the fixed chunk size named in §6 (1 MiB).
const ChunkSize = 1 << 20

// MaxConcurrentChunks bounds how many chunk sends are in flight for a
// single upload at once.
const MaxConcurrentChunks = 3

// MaxChunkRetries bounds how many send attempts, the first included, a
// single chunk gets before the upload as a whole transitions to Failed.
const MaxChunkRetries = 3

// Status is an upload's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChunkDescriptor is one 1 MiB slice of a file transfer (see §3).
type ChunkDescriptor struct {
	Index    int      `json:"index"`
	Checksum [32]byte `json:"checksum"`
	Size     int      `json:"size"`
	Acked    bool     `json:"acked"`
	attempts int
}

// Metadata describes one upload in full: its checksum, chunk
// boundaries, and per-chunk delivery state. Returned by Upload and
// consumed by Finalize.
type Metadata struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Size     int64              `json:"size"`
	Checksum [32]byte           `json:"checksum"`
	Chunks   []*ChunkDescriptor `json:"chunks"`
	Status   Status             `json:"status"`
}

// ChunkPayload is the structured "content" carried inside the file
// envelope's plaintext message, as named by §6's "file payload
// object" wire shape.
type ChunkPayload struct {
	UploadID string   `json:"uploadId"`
	Index    int      `json:"index"`
	Total    int      `json:"total"`
	Size     int      `json:"size"`
	Checksum [32]byte `json:"checksum"`
	Shards   [][]byte `json:"shards"`
}

// ProgressFunc reports chunks acknowledged out of the total.
type ProgressFunc func(acked, total int)

// Sender is the narrow interface Uploader drives; session.Controller
// satisfies it via SendFile.
type Sender interface {
	SendFile(ctx context.Context, chunk []byte) error
}

type upload struct {
	mu       sync.Mutex
	meta     *Metadata
	data     []byte
	onProg   ProgressFunc
	cancel   context.CancelFunc
	finished chan struct{}
}

// Uploader tracks every in-flight and completed upload by ID so
// Cancel/Resume/Finalize can address them later.
type Uploader struct {
	mu      sync.Mutex
	sender  Sender
	coder   *shardCoder
	uploads map[string]*upload
	log     *sessionlog.Logger
}

// NewUploader builds an Uploader that drives chunk sends through
// sender.
func NewUploader(sender Sender) (*Uploader, error) {
	coder, err := newShardCoder()
	if err != nil {
		return nil, err
	}
	return &Uploader{
		sender:  sender,
		coder:   coder,
		uploads: make(map[string]*upload),
		log:     sessionlog.New("filetransfer"),
	}, nil
}

// Upload splits data into chunks, erasure-encodes and sends each one
// with bounded concurrency, and returns the resulting metadata once
// every chunk is acknowledged or the upload fails. onProgress, if
// non-nil, is called after each chunk acknowledgment.
func (u *Uploader) Upload(ctx context.Context, name string, data []byte, onProgress ProgressFunc) (*Metadata, error) {
	if len(data) == 0 {
		return nil, faults.New(faults.KindUsage, "filetransfer.Upload", fmt.Errorf("cannot upload empty file"))
	}

	id := uuid.NewString()
	whole := sha256.Sum256(data)

	numChunks := (len(data) + ChunkSize - 1) / ChunkSize
	chunks := make([]*ChunkDescriptor, numChunks)
	for i := range chunks {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		sum := sha256.Sum256(data[start:end])
		chunks[i] = &ChunkDescriptor{Index: i, Checksum: sum, Size: end - start}
	}

	meta := &Metadata{
		ID:       id,
		Name:     name,
		Size:     int64(len(data)),
		Checksum: whole,
		Chunks:   chunks,
		Status:   StatusPending,
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	up := &upload{meta: meta, data: data, onProg: onProgress, cancel: cancel, finished: make(chan struct{})}

	u.mu.Lock()
	u.uploads[id] = up
	u.mu.Unlock()

	if err := u.run(uploadCtx, up); err != nil {
		return meta, err
	}
	return meta, nil
}

// Resume re-drives every chunk not yet acknowledged for a
// previously-started upload.
func (u *Uploader) Resume(ctx context.Context, id string) error {
	u.mu.Lock()
	up, ok := u.uploads[id]
	u.mu.Unlock()
	if !ok {
		return faults.New(faults.KindUsage, "filetransfer.Resume", fmt.Errorf("unknown upload %s", id))
	}

	up.mu.Lock()
	up.meta.Status = StatusPending
	for _, c := range up.meta.Chunks {
		c.attempts = 0
	}
	up.mu.Unlock()

	uploadCtx, cancel := context.WithCancel(ctx)
	up.mu.Lock()
	up.cancel = cancel
	up.mu.Unlock()

	return u.run(uploadCtx, up)
}

// Status returns a snapshot of an upload's metadata by ID, for the
// host's upload-progress surface (see apiserver).
func (u *Uploader) Status(id string) (*Metadata, error) {
	u.mu.Lock()
	up, ok := u.uploads[id]
	u.mu.Unlock()
	if !ok {
		return nil, faults.New(faults.KindUsage, "filetransfer.Status", fmt.Errorf("unknown upload %s", id))
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	snap := *up.meta
	snap.Chunks = make([]*ChunkDescriptor, len(up.meta.Chunks))
	for i, c := range up.meta.Chunks {
		cc := *c
		snap.Chunks[i] = &cc
	}
	return &snap, nil
}

// Cancel stops a running upload; chunks in flight are abandoned and
// the upload transitions to Cancelled.
func (u *Uploader) Cancel(id string) error {
	u.mu.Lock()
	up, ok := u.uploads[id]
	u.mu.Unlock()
	if !ok {
		return faults.New(faults.KindUsage, "filetransfer.Cancel", fmt.Errorf("unknown upload %s", id))
	}
	up.mu.Lock()
	up.meta.Status = StatusCancelled
	up.cancel()
	up.mu.Unlock()
	return nil
}

// Finalize marks a fully-acknowledged upload complete. It fails if
// any chunk is still unacknowledged.
func (u *Uploader) Finalize(meta *Metadata) error {
	for _, c := range meta.Chunks {
		if !c.Acked {
			return faults.New(faults.KindUsage, "filetransfer.Finalize",
				fmt.Errorf("chunk %d not yet acknowledged", c.Index))
		}
	}
	meta.Status = StatusCompleted
	return nil
}

func (u *Uploader) run(ctx context.Context, up *upload) error {
	up.mu.Lock()
	up.meta.Status = StatusInProgress
	pending := make([]int, 0, len(up.meta.Chunks))
	for _, c := range up.meta.Chunks {
		if !c.Acked {
			pending = append(pending, c.Index)
		}
	}
	total := len(up.meta.Chunks)
	up.mu.Unlock()

	sem := make(chan struct{}, MaxConcurrentChunks)
	var wg sync.WaitGroup
	var failedOnce sync.Once
	var firstErr error

	for _, idx := range pending {
		select {
		case <-ctx.Done():
			up.mu.Lock()
			up.meta.Status = StatusCancelled
			up.mu.Unlock()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := u.sendChunk(ctx, up, idx); err != nil {
				failedOnce.Do(func() { firstErr = err })
				return
			}

			up.mu.Lock()
			up.meta.Chunks[idx].Acked = true
			acked := 0
			for _, c := range up.meta.Chunks {
				if c.Acked {
					acked++
				}
			}
			up.mu.Unlock()

			if up.onProg != nil {
				up.onProg(acked, total)
			}
		}(idx)
	}

	wg.Wait()

	up.mu.Lock()
	defer up.mu.Unlock()
	if firstErr != nil {
		if ctx.Err() != nil {
			up.meta.Status = StatusCancelled
			return ctx.Err()
		}
		up.meta.Status = StatusFailed
		return firstErr
	}
	up.meta.Status = StatusCompleted
	return nil
}

func (u *Uploader) sendChunk(ctx context.Context, up *upload, idx int) error {
	up.mu.Lock()
	desc := up.meta.Chunks[idx]
	start := idx * ChunkSize
	end := start + desc.Size
	chunkData := make([]byte, desc.Size)
	copy(chunkData, up.data[start:end])
	uploadID := up.meta.ID
	numChunks := len(up.meta.Chunks)
	up.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < MaxChunkRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shards, err := u.coder.encode(chunkData)
		if err != nil {
			return err
		}

		payload := ChunkPayload{
			UploadID: uploadID,
			Index:    idx,
			Total:    numChunks,
			Size:     desc.Size,
			Checksum: desc.Checksum,
			Shards:   shards,
		}
		wire, err := json.Marshal(payload)
		if err != nil {
			return faults.New(faults.KindCodec, "filetransfer.sendChunk", err)
		}

		if err := u.sender.SendFile(ctx, wire); err == nil {
			return nil
		} else {
			lastErr = err
			u.log.Warn("chunk %d/%d attempt %d failed: %v", idx, numChunks, attempt+1, err)
		}

		up.mu.Lock()
		desc.attempts++
		up.mu.Unlock()
	}
	return faults.New(faults.KindTransport, "filetransfer.sendChunk", lastErr)
}

// Reassemble reconstructs a whole file from a set of received chunk
// payloads, verifying each chunk's checksum and the whole file's
// checksum against expected. Payloads need not arrive in order but
// every index 0..total-1 must be present.
func Reassemble(payloads []ChunkPayload, expectedChecksum [32]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, faults.New(faults.KindUsage, "filetransfer.Reassemble", fmt.Errorf("no chunks supplied"))
	}
	total := payloads[0].Total
	byIndex := make(map[int]ChunkPayload, total)
	for _, p := range payloads {
		byIndex[p.Index] = p
	}
	if len(byIndex) != total {
		return nil, faults.New(faults.KindCodec, "filetransfer.Reassemble",
			fmt.Errorf("expected %d chunks, have %d", total, len(byIndex)))
	}

	coder, err := newShardCoder()
	if err != nil {
		return nil, err
	}

	var out []byte
	for i := 0; i < total; i++ {
		p, ok := byIndex[i]
		if !ok {
			return nil, faults.New(faults.KindCodec, "filetransfer.Reassemble", fmt.Errorf("missing chunk %d", i))
		}
		chunk, err := coder.reconstruct(p.Shards, p.Size)
		if err != nil {
			return nil, err
		}
		if sha256.Sum256(chunk) != p.Checksum {
			return nil, faults.New(faults.KindAuth, "filetransfer.Reassemble",
				fmt.Errorf("chunk %d checksum mismatch", i))
		}
		out = append(out, chunk...)
	}

	if sha256.Sum256(out) != expectedChecksum {
		return nil, faults.New(faults.KindAuth, "filetransfer.Reassemble", fmt.Errorf("whole-file checksum mismatch"))
	}
	return out, nil
}
