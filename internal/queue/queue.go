// Package queue implements the compressed, append-only record store that
// backs the offline half of the delivery engine.
//
// Architecture:
//   - Records are kept in an ordered arena of blocks (slabs).
//   - The head block and the tail block are open: their records are plain
//     byte slices, so PopFront and UpdateFront are slice operations.
//   - Every block between them is sealed: its framed records are stored as
//     one s2-compressed buffer.
//   - The tail is sealed once it grows past Config.BlockSize and a new tail
//     is started. When the head empties, the next block is unsealed.
//
// Records are stored in the serializer's encoding, so what goes to disk is
// byte-for-byte what the producer enqueued.
//
// A Queue is not safe for concurrent use.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/s2"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/codec"
)

// ErrCorruptChunk is returned by Read when the chunk stream carries a length
// that no writer could have produced, or ends in the middle of a chunk.
var ErrCorruptChunk = errors.New("queue: corrupt chunk stream")

// maxChunkLen bounds a single persisted chunk. A larger length prefix can
// only come from a damaged file.
const maxChunkLen = 16 << 20

// chunkEnd terminates a chunk stream.
const chunkEnd = -1

// frameOverhead is the length prefix stored in front of every record inside
// a block.
const frameOverhead = 4

// Serializer converts records to and from their stored form.
type Serializer[T any] interface {
	Encode(rec T) []byte
	// Decode returns false when b is not a valid record.
	Decode(b []byte) (T, bool)
}

// Config tunes a Queue. Zero values fall back to DefaultConfig.
type Config struct {
	// BlockSize is the raw byte size at which the tail block is sealed.
	BlockSize int
	Logger    *slog.Logger
}

// DefaultConfig returns the configuration used on the station.
func DefaultConfig() Config {
	return Config{BlockSize: 4096}
}

// block is one slab of the arena. Exactly one of records (open) or
// compressed (sealed) is meaningful.
type block struct {
	open       bool
	records    [][]byte // open: records[head:] are live
	head       int
	compressed []byte // sealed
	count      int    // live records
	rawSize    int    // framed size of live records
}

// footprint is what the block costs in memory and on disk.
func (b *block) footprint() int {
	if b.open {
		return b.rawSize
	}
	return len(b.compressed)
}

// Queue is an ordered, compressed record store.
type Queue[T any] struct {
	ser       Serializer[T]
	blockSize int
	logger    *slog.Logger

	blocks []*block
	count  int
	total  int // Σ footprint
	raw    int // Σ rawSize
}

// New returns an empty Queue using ser for record encoding.
func New[T any](ser Serializer[T], cfg Config) *Queue[T] {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultConfig().BlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Queue[T]{ser: ser, blockSize: cfg.BlockSize, logger: cfg.Logger}
}

// ─── Append / front access ───────────────────────────────────────────────────

// PushBack appends rec at the tail.
func (q *Queue[T]) PushBack(rec T) {
	q.pushRaw(q.ser.Encode(rec))
}

func (q *Queue[T]) pushRaw(enc []byte) {
	n := len(q.blocks)
	if n == 0 || q.blocks[n-1].rawSize >= q.blockSize {
		if n > 1 {
			// The old tail becomes a middle block.
			q.seal(q.blocks[n-1])
		}
		q.blocks = append(q.blocks, &block{open: true})
	}
	tail := q.blocks[len(q.blocks)-1]
	sz := frameOverhead + len(enc)
	tail.records = append(tail.records, enc)
	tail.count++
	tail.rawSize += sz
	q.count++
	q.total += sz
	q.raw += sz
}

// PollFront decodes the front record without removing it. It reports false
// when the queue is empty or the front record does not decode.
func (q *Queue[T]) PollFront() (T, bool) {
	raw, ok := q.frontRaw()
	if !ok {
		var zero T
		return zero, false
	}
	return q.ser.Decode(raw)
}

func (q *Queue[T]) frontRaw() ([]byte, bool) {
	if q.count == 0 {
		return nil, false
	}
	h := q.blocks[0]
	return h.records[h.head], true
}

// PopFront removes the front record. It reports false on an empty queue.
func (q *Queue[T]) PopFront() bool {
	if q.count == 0 {
		return false
	}
	h := q.blocks[0]
	sz := frameOverhead + len(h.records[h.head])
	h.records[h.head] = nil
	h.head++
	h.count--
	h.rawSize -= sz
	q.count--
	q.total -= sz
	q.raw -= sz

	if h.count == 0 {
		q.blocks[0] = nil
		q.blocks = q.blocks[1:]
		q.fixHead()
	}
	return true
}

// fixHead makes sure the first block is open and non-empty.
func (q *Queue[T]) fixHead() {
	for len(q.blocks) > 0 {
		h := q.blocks[0]
		if !h.open {
			q.unseal(h)
		}
		if h.count > 0 {
			return
		}
		q.blocks[0] = nil
		q.blocks = q.blocks[1:]
	}
}

// UpdateFront replaces the front record with rec, keeping its position.
func (q *Queue[T]) UpdateFront(rec T) bool {
	if q.count == 0 {
		return false
	}
	enc := q.ser.Encode(rec)
	h := q.blocks[0]
	delta := len(enc) - len(h.records[h.head])
	h.records[h.head] = enc
	h.rawSize += delta
	q.total += delta
	q.raw += delta
	return true
}

// ─── Accounting ──────────────────────────────────────────────────────────────

// Len returns the number of stored records.
func (q *Queue[T]) Len() int { return q.count }

// Empty reports whether the queue holds no records.
func (q *Queue[T]) Empty() bool { return q.count == 0 }

// TotalBytes returns the current footprint: compressed size of sealed
// blocks plus the raw size of the open head and tail.
func (q *Queue[T]) TotalBytes() int { return q.total }

// RawBytes returns the uncompressed framed size of all records.
func (q *Queue[T]) RawBytes() int { return q.raw }

// Blocks returns the number of slabs in the arena.
func (q *Queue[T]) Blocks() int { return len(q.blocks) }

// Clear drops every record.
func (q *Queue[T]) Clear() {
	q.blocks = nil
	q.count, q.total, q.raw = 0, 0, 0
}

// ─── Traversal ───────────────────────────────────────────────────────────────

// Visit calls fn for every decodable record from front to back. Only one
// sealed block is decompressed at a time. Iteration stops when fn returns
// false.
func (q *Queue[T]) Visit(fn func(rec T) bool) {
	q.VisitRaw(func(_ []byte, rec T) bool { return fn(rec) })
}

// VisitRaw is Visit that also hands out the stored bytes of each record.
// raw must not be retained after fn returns.
func (q *Queue[T]) VisitRaw(fn func(raw []byte, rec T) bool) {
	for _, b := range q.blocks {
		recs, ok := q.blockRecords(b)
		if !ok {
			continue
		}
		for _, raw := range recs {
			rec, ok := q.ser.Decode(raw)
			if !ok {
				continue
			}
			if !fn(raw, rec) {
				return
			}
		}
	}
}

// RemoveIf deletes every record for which fn returns true, in one pass from
// front to back, and returns the number removed. Blocks with no removals are
// left untouched; under-filled sealed neighbours are merged afterwards.
// Records that do not decode are kept.
func (q *Queue[T]) RemoveIf(fn func(raw []byte, rec T) bool) int {
	removed := 0
	for _, b := range q.blocks {
		recs, ok := q.blockRecords(b)
		if !ok {
			continue
		}
		var kept [][]byte
		dropped := 0
		for i, raw := range recs {
			rec, ok := q.ser.Decode(raw)
			if ok && fn(raw, rec) {
				if dropped == 0 {
					kept = append(make([][]byte, 0, len(recs)), recs[:i]...)
				}
				dropped++
				continue
			}
			if dropped > 0 {
				kept = append(kept, raw)
			}
		}
		if dropped == 0 {
			continue
		}
		removed += dropped
		q.replaceRecords(b, kept)
	}
	if removed > 0 {
		q.normalize()
	}
	return removed
}

// blockRecords returns the live records of b. Sealed blocks are decompressed
// into fresh memory.
func (q *Queue[T]) blockRecords(b *block) ([][]byte, bool) {
	if b.open {
		return b.records[b.head:], true
	}
	raw, err := s2.Decode(nil, b.compressed)
	if err != nil {
		q.logger.Error("queue: sealed block does not decompress", "err", err, "records", b.count)
		return nil, false
	}
	recs, _ := splitFrames(raw)
	return recs, true
}

// replaceRecords installs recs as the new content of b, keeping its form.
func (q *Queue[T]) replaceRecords(b *block, recs [][]byte) {
	q.total -= b.footprint()
	q.raw -= b.rawSize
	q.count -= b.count

	b.count = len(recs)
	b.rawSize = framedSize(recs)
	if b.open {
		b.records = recs
		b.head = 0
	} else {
		b.compressed = s2.Encode(nil, frame(recs))
	}

	q.total += b.footprint()
	q.raw += b.rawSize
	q.count += b.count
}

// normalize restores the arena invariants after a bulk removal: no empty
// blocks, open head and tail, sealed middle, and small sealed neighbours
// merged.
func (q *Queue[T]) normalize() {
	live := q.blocks[:0]
	for _, b := range q.blocks {
		if b.count > 0 {
			live = append(live, b)
		}
	}
	for i := len(live); i < len(q.blocks); i++ {
		q.blocks[i] = nil
	}
	q.blocks = live

	q.compact()

	last := len(q.blocks) - 1
	for i, b := range q.blocks {
		edge := i == 0 || i == last
		switch {
		case edge && !b.open:
			q.unseal(b)
		case !edge && b.open:
			q.seal(b)
		}
	}
}

// compact merges runs of adjacent sealed blocks while the merged raw size
// stays within BlockSize. Full blocks never qualify, so only blocks shrunk
// by a removal are rewritten.
func (q *Queue[T]) compact() {
	n := len(q.blocks)
	if n < 4 {
		return
	}
	out := make([]*block, 0, n)
	out = append(out, q.blocks[0])
	var run []*block
	runRaw := 0
	emit := func() {
		switch len(run) {
		case 0:
		case 1:
			out = append(out, run[0])
		default:
			out = append(out, q.merge(run))
		}
		run, runRaw = nil, 0
	}
	for _, b := range q.blocks[1 : n-1] {
		if len(run) > 0 && runRaw+b.rawSize > q.blockSize {
			emit()
		}
		run = append(run, b)
		runRaw += b.rawSize
	}
	emit()
	out = append(out, q.blocks[n-1])
	q.blocks = out
}

// merge concatenates the records of run into one sealed block.
func (q *Queue[T]) merge(run []*block) *block {
	var recs [][]byte
	for _, b := range run {
		r, ok := q.blockRecords(b)
		q.total -= b.footprint()
		q.raw -= b.rawSize
		q.count -= b.count
		if ok {
			recs = append(recs, r...)
		}
	}
	m := &block{
		compressed: s2.Encode(nil, frame(recs)),
		count:      len(recs),
		rawSize:    framedSize(recs),
	}
	q.total += m.footprint()
	q.raw += m.rawSize
	q.count += m.count
	return m
}

// seal compresses an open block in place.
func (q *Queue[T]) seal(b *block) {
	if !b.open {
		return
	}
	q.total -= b.footprint()
	b.compressed = s2.Encode(nil, frame(b.records[b.head:]))
	b.records = nil
	b.head = 0
	b.open = false
	q.total += b.footprint()
}

// unseal decompresses a sealed block in place.
func (q *Queue[T]) unseal(b *block) {
	if b.open {
		return
	}
	recs, ok := q.blockRecords(b)
	q.total -= b.footprint()
	b.open = true
	b.compressed = nil
	b.head = 0
	if !ok {
		recs = nil
	}
	b.records = recs
	q.count -= b.count
	q.raw -= b.rawSize
	b.count = len(recs)
	b.rawSize = framedSize(recs)
	q.count += b.count
	q.raw += b.rawSize
	q.total += b.footprint()
}

// ─── Persistence ─────────────────────────────────────────────────────────────
//
// Chunk stream layout:
//
//	[len: 4 bytes, int32][s2 block of framed records]   repeated
//	[-1: 4 bytes, int32]                                 end marker
//
// Sealed blocks are written as they are held in memory; open blocks are
// compressed on the way out.

// Write streams every block to w as a chunk, followed by the end marker.
func (q *Queue[T]) Write(w io.Writer) error {
	var hdr [4]byte
	for _, b := range q.blocks {
		if b.count == 0 {
			continue
		}
		data := b.compressed
		if b.open {
			data = s2.Encode(nil, frame(b.records[b.head:]))
		}
		binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("queue: write chunk header: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("queue: write chunk: %w", err)
		}
	}
	end := int32(chunkEnd)
	binary.BigEndian.PutUint32(hdr[:], uint32(end))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("queue: write end marker: %w", err)
	}
	return nil
}

// Read appends the records of a chunk stream produced by Write and returns
// how many were loaded. Stored bytes are appended verbatim. A chunk that does
// not decompress is skipped, as is any record the serializer rejects. A clean
// end of input at a chunk boundary is treated like the end marker.
func (q *Queue[T]) Read(r io.Reader) (int, error) {
	loaded := 0
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return loaded, nil
			}
			return loaded, fmt.Errorf("%w: truncated chunk header", ErrCorruptChunk)
		}
		n := int32(binary.BigEndian.Uint32(hdr[:]))
		if n == chunkEnd {
			return loaded, nil
		}
		if n < 0 || n > maxChunkLen {
			q.logger.Error("queue: impossible chunk length", "len", n, "loaded", loaded)
			return loaded, fmt.Errorf("%w: chunk length %d", ErrCorruptChunk, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return loaded, fmt.Errorf("%w: truncated chunk", ErrCorruptChunk)
		}
		raw, err := s2.Decode(nil, data)
		if err != nil {
			q.logger.Warn("queue: skipping chunk that does not decompress", "err", err, "len", n)
			continue
		}
		recs, complete := splitFrames(raw)
		if !complete {
			q.logger.Warn("queue: chunk ends inside a record", "records", len(recs))
		}
		for _, rec := range recs {
			if _, ok := q.ser.Decode(rec); !ok {
				q.logger.Warn("queue: skipping undecodable record", "size", len(rec))
				continue
			}
			q.pushRaw(rec)
			loaded++
		}
	}
}

// ─── framing helpers ─────────────────────────────────────────────────────────

// frame concatenates recs as length-prefixed frames.
func frame(recs [][]byte) []byte {
	w := codec.NewWriter(framedSize(recs))
	for _, r := range recs {
		w.PutBytes(r)
	}
	return w.Bytes()
}

// splitFrames cuts a framed buffer back into records. The returned slices
// alias raw. ok is false if the buffer ended in the middle of a frame; the
// records decoded before that point are still returned.
func splitFrames(raw []byte) ([][]byte, bool) {
	r := codec.NewReader(raw)
	var recs [][]byte
	for r.Remaining() > 0 {
		b := r.BytesView()
		if !r.OK() {
			return recs, false
		}
		recs = append(recs, b)
	}
	return recs, true
}

func framedSize(recs [][]byte) int {
	n := 0
	for _, r := range recs {
		n += frameOverhead + len(r)
	}
	return n
}
