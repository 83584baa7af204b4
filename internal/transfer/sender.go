// Package transfer implements Lantern's chunked file transfer pipeline
// (§4.3): the sender streams a managed attachment as an ordered, resumable
// sequence of base64 chunks; the receiver reassembles, verifies, and
// finalizes them. It is grounded on the teacher's content-addressed blob
// store (server/internal/blob/store.go), generalized from a one-shot
// whole-file Put into an incrementally-producible, resumable chunk stream.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrTooLarge is returned when a file exceeds MaxFileSize.
var ErrTooLarge = fmt.Errorf("file exceeds maximum size of %s", humanize.Bytes(MaxFileSize))

// Chunk is one ordered, base64-encoded slice of a file transfer.
type Chunk struct {
	FileID     string
	Index      int
	Total      int
	DataBase64 string
}

// Offer describes a file ready to send: it has already been copied into the
// managed attachments directory and hashed.
type Offer struct {
	FileID   string
	Path     string // absolute path under the attachments root
	Size     int64
	SHA256   string
	ChunkCnt int
}

// PrepareOutgoing copies srcPath into the managed attachments directory as
// "<messageId>_<sanitizedName>", stream-hashing it with SHA-256, and
// returns an Offer describing the result. The original file at srcPath is
// left untouched (§4.3 sender pipeline step 1).
func PrepareOutgoing(attachmentsRoot, messageID, srcPath, displayName string) (Offer, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Offer{}, fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return Offer{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return Offer{}, ErrTooLarge
	}

	if err := os.MkdirAll(attachmentsRoot, 0o755); err != nil {
		return Offer{}, fmt.Errorf("create attachments root: %w", err)
	}

	destName := AttachmentFileName(messageID, displayName)
	destPath := filepath.Join(attachmentsRoot, destName)

	dest, err := os.Create(destPath)
	if err != nil {
		return Offer{}, fmt.Errorf("create attachment file: %w", err)
	}
	defer dest.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(dest, h), src)
	if err != nil {
		_ = os.Remove(destPath)
		return Offer{}, fmt.Errorf("copy into attachments: %w", err)
	}

	return Offer{
		FileID:   uuid.NewString(),
		Path:     destPath,
		Size:     size,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
		ChunkCnt: ChunkCount(size),
	}, nil
}

// ChunkProducer lazily yields the ordered chunk sequence for an Offer,
// starting at resumeFrom (§4.3 "may start at index=N to resume"). Each
// chunk is read from disk only when Next is called, so back-pressure from
// a slow transport write propagates naturally — callers must await each
// send before calling Next again.
type ChunkProducer struct {
	offer      Offer
	f          *os.File
	nextIndex  int
}

// NewChunkProducer opens the offer's file and seeks to the byte offset of
// resumeFrom.
func NewChunkProducer(offer Offer, resumeFrom int) (*ChunkProducer, error) {
	f, err := os.Open(offer.Path)
	if err != nil {
		return nil, fmt.Errorf("open attachment for send: %w", err)
	}
	if resumeFrom < 0 || resumeFrom > offer.ChunkCnt {
		_ = f.Close()
		return nil, fmt.Errorf("resume index %d out of range [0,%d]", resumeFrom, offer.ChunkCnt)
	}
	if _, err := f.Seek(int64(resumeFrom)*ChunkSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek to resume offset: %w", err)
	}
	return &ChunkProducer{offer: offer, f: f, nextIndex: resumeFrom}, nil
}

// Close releases the underlying file handle.
func (p *ChunkProducer) Close() error { return p.f.Close() }

// Done reports whether every chunk has been produced.
func (p *ChunkProducer) Done() bool { return p.nextIndex >= p.offer.ChunkCnt }

// Next reads and returns the next chunk in sequence, honoring
// ctx cancellation for cooperative suspension (§5).
func (p *ChunkProducer) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if p.Done() {
		return Chunk{}, fmt.Errorf("no more chunks: produced %d of %d", p.nextIndex, p.offer.ChunkCnt)
	}

	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(p.f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Chunk{}, fmt.Errorf("read chunk %d: %w", p.nextIndex, err)
	}
	buf = buf[:n]

	c := Chunk{
		FileID:     p.offer.FileID,
		Index:      p.nextIndex,
		Total:      p.offer.ChunkCnt,
		DataBase64: base64.StdEncoding.EncodeToString(buf),
	}
	p.nextIndex++
	return c, nil
}
