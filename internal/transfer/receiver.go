package transfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
)

// ErrChunkOutOfRange is a Validation error (§7) for an invalid chunk index.
var ErrChunkOutOfRange = errors.New("chunk index out of range")

// ErrTotalMismatch is a Validation error for a chunk whose total disagrees
// with the first observed value.
var ErrTotalMismatch = errors.New("chunk total mismatch")

// ErrHashMismatch is a Validation error: the finalize-time SHA-256 did not
// match the offer's expected hash.
var ErrHashMismatch = errors.New("sha256 mismatch on finalize")

// ErrSizeMismatch is a Validation error: transferred bytes didn't match the
// offer's declared size, or the received chunk count didn't match total.
var ErrSizeMismatch = errors.New("transferred size mismatch on finalize")

// Incoming tracks one in-flight (or finalized) receive, keyed by fileId
// (§9 "explicit arena of transfers indexed by fileId").
type Incoming struct {
	FileID           string
	MessageID        string
	SenderDeviceID   string
	Path             string
	ExpectedSHA256   string
	ExpectedSize     int64
	Total            int
	seenTotal        bool
	receivedIndexes  map[int]bool
	transferredBytes int64
	hasher           hash.Hash
	f                *os.File
	finalized        bool
}

// TransferredBytes returns the running count of bytes written so far.
func (in *Incoming) TransferredBytes() int64 { return in.transferredBytes }

// Finalized reports whether Finalize has already succeeded for this
// transfer.
func (in *Incoming) Finalized() bool { return in.finalized }

// Arena is the receiver-side registry of in-flight transfers, guarded by a
// mutex since chunk frames for distinct fileIds may be handled from the
// same control-loop goroutine but tests and future fan-out may call
// concurrently (§9).
type Arena struct {
	mu    sync.Mutex
	byID  map[string]*Incoming
}

// NewArena returns an empty transfer arena.
func NewArena() *Arena {
	return &Arena{byID: make(map[string]*Incoming)}
}

// Offer handles a file:offer frame. If a transfer with the same fileId
// already exists for the same sender/message, it is idempotent — the
// existing path is returned unchanged (§4.3 receiver step 1, and the
// resolved Open Question: idempotent success on a re-offer after
// finalize). An already finalized transfer for that fileId is likewise
// returned as is, whatever its sender or message. Otherwise any prior
// in-flight transfer for that fileId is aborted and its partial file
// deleted, and a fresh write stream is opened.
func (a *Arena) Offer(attachmentsRoot, fileID, messageID, senderDeviceID, filename string, size int64, expectedSHA string) (*Incoming, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byID[fileID]; ok {
		if existing.MessageID == messageID && existing.SenderDeviceID == senderDeviceID {
			return existing, nil
		}
		if existing.finalized {
			return existing, nil
		}
		a.abortLocked(existing)
	}

	if err := os.MkdirAll(attachmentsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments root: %w", err)
	}
	path := filepath.Join(attachmentsRoot, AttachmentFileName(messageID, filename))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open receive stream: %w", err)
	}

	in := &Incoming{
		FileID:          fileID,
		MessageID:       messageID,
		SenderDeviceID:  senderDeviceID,
		Path:            path,
		ExpectedSHA256:  expectedSHA,
		ExpectedSize:    size,
		receivedIndexes: make(map[int]bool),
		hasher:          sha256.New(),
		f:               f,
	}
	a.byID[fileID] = in
	return in, nil
}

// Get returns the in-flight transfer for fileId, if any.
func (a *Arena) Get(fileID string) (*Incoming, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.byID[fileID]
	return in, ok
}

// Chunk validates and applies one file:chunk frame (§4.3 receiver step 2).
func (a *Arena) Chunk(fileID string, index, total int, dataBase64 string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	in, ok := a.byID[fileID]
	if !ok {
		return fmt.Errorf("chunk for unknown transfer %s", fileID)
	}
	if in.finalized {
		return nil // already complete; ignore stray retransmits
	}
	if index < 0 || index >= total {
		return fmt.Errorf("%w: index=%d total=%d", ErrChunkOutOfRange, index, total)
	}
	if !in.seenTotal {
		in.Total = total
		in.seenTotal = true
	} else if in.Total != total {
		return fmt.Errorf("%w: first=%d got=%d", ErrTotalMismatch, in.Total, total)
	}
	if in.receivedIndexes[index] {
		return nil // duplicate by index, discard
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", index, err)
	}
	if _, err := in.f.Write(data); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	in.hasher.Write(data)
	in.transferredBytes += int64(len(data))
	in.receivedIndexes[index] = true
	return nil
}

// Finalize handles file:complete: closes the stream and verifies hash,
// byte count, and chunk count (§4.3 receiver step 3). On success the
// transfer stays in the arena marked finalized, so a re-offer of the same
// fileId returns the completed path instead of reopening (and truncating)
// the stream, and the final path is returned. On failure the partial file
// is unlinked and removed from the arena so the sender can re-offer.
func (a *Arena) Finalize(fileID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	in, ok := a.byID[fileID]
	if !ok {
		return "", fmt.Errorf("finalize unknown transfer %s", fileID)
	}
	if in.finalized {
		return in.Path, nil // idempotent re-complete
	}

	if err := in.f.Close(); err != nil {
		return "", fmt.Errorf("close receive stream: %w", err)
	}

	gotHash := hex.EncodeToString(in.hasher.Sum(nil))
	gotChunks := len(in.receivedIndexes)

	if gotHash != in.ExpectedSHA256 {
		a.failLocked(in)
		return "", ErrHashMismatch
	}
	if in.transferredBytes != in.ExpectedSize || gotChunks != in.Total {
		a.failLocked(in)
		return "", ErrSizeMismatch
	}

	in.finalized = true
	return in.Path, nil
}

// Abort cancels an in-flight transfer and deletes its partial file,
// e.g. when the client process is shutting down.
func (a *Arena) Abort(fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if in, ok := a.byID[fileID]; ok {
		a.abortLocked(in)
	}
}

func (a *Arena) abortLocked(in *Incoming) {
	_ = in.f.Close()
	_ = os.Remove(in.Path)
	delete(a.byID, in.FileID)
}

func (a *Arena) failLocked(in *Incoming) {
	_ = os.Remove(in.Path)
	delete(a.byID, in.FileID)
}
