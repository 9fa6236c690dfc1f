package pending

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/codec"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/queue"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// Persisted blob layout, in order:
//
//	offline queue        chunk stream (queue.Queue.Write)
//	aux section          [len: 4 bytes, int32][aux bytes]
//	live records         chunk stream, transaction starts excluded
//	supplementary        chunk stream, every registered source in order
//
// Aux bytes:
//
//	[layout : 1 byte]
//	[active groups   : int32 n][n × uint64]
//	[blacklist       : int32 n][n × uint64]
//	[transaction ids : int32 n][n × (uint64, string)]
//	[sequence nos    : int32 n][n × (uint64, int64)]
//	[next unique id  : int64]
//	[flush count     : uint64]      absent in older blobs
//
// Map sections are written in ascending group order so that two flushes of
// the same state are byte-identical.

const auxLayout uint8 = 1

// maxAuxLen bounds the aux section. A larger length prefix can only come
// from a damaged blob.
const maxAuxLen = 4 << 20

// errCorruptAux reports an aux section length no writer could have produced.
var errCorruptAux = errors.New("pending: corrupt aux section")

// flushInterval is BaseFlushPeriod scaled by how many blocks worth of bytes
// are pending, so larger backlogs flush more often.
func (e *Engine) flushInterval() time.Duration {
	pending := e.offline.TotalBytes()
	for _, r := range e.live {
		pending += len(r.Payload)
	}
	iv := time.Duration(float64(e.cfg.BaseFlushPeriod) * float64(e.cfg.BlockSize) / float64(max(pending, 1)))
	return min(max(iv, e.cfg.MinFlushInterval), e.cfg.MaxFlushInterval)
}

func (e *Engine) maybeFlush(now time.Time) {
	if e.store == nil {
		e.forceFlush = false
		return
	}
	due := e.forceFlush
	if !due && e.dirty {
		due = now.Sub(e.lastFlush) >= e.flushInterval()
	}
	if due {
		_ = e.Flush()
	}
}

// Flush writes the pending state to the store unconditionally. On failure
// the in-memory state stays authoritative and the next due flush retries.
func (e *Engine) Flush() error {
	if e.store == nil {
		return nil
	}
	e.flushNext = e.flushCount
	if e.dirty || e.forceFlush {
		e.flushNext++
	}
	e.forceFlush = false
	e.lastFlush = e.clk.Now()

	err := e.store.Write(e.writeState)
	e.metrics.RecordFlush(e.label, err)
	if err != nil {
		e.lastFlushErr = err
		e.logger.Error("pending: flush failed", "err", err, "version", e.label)
		return fmt.Errorf("pending: flush: %w", err)
	}
	e.dirty = false
	e.flushCount = e.flushNext
	e.lastFlushErr = nil
	e.lastFlushWall = e.clk.Wall()
	e.logger.Debug("pending: flushed",
		"live", len(e.live),
		"offline", e.offline.Len(),
		"offline_bytes", e.offline.TotalBytes(),
		"version", e.label,
	)
	return nil
}

func (e *Engine) writeState(w io.Writer) error {
	if err := e.offline.Write(w); err != nil {
		return err
	}
	if err := writeSection(w, e.encodeAux()); err != nil {
		return err
	}

	live := e.scratchQueue()
	for _, r := range e.live {
		if r.Policy.Type == types.MessageTransactionStart {
			continue
		}
		live.PushBack(r)
	}
	if err := live.Write(w); err != nil {
		return err
	}

	sup := e.scratchQueue()
	for _, s := range e.sources {
		for _, r := range s.src.SupplementaryRecords() {
			sup.PushBack(r)
		}
	}
	return sup.Write(w)
}

// Load replays the persisted state into the offline queue. Records from the
// live and supplementary sections go to the offline queue too; supplementary
// records get fresh unique ids. A missing blob is not an error. A damaged
// blob is not an error either: whatever still decodes is kept and the next
// flush rewrites the blob.
func (e *Engine) Load() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Read(e.readState)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrCorrupted), errors.Is(err, queue.ErrCorruptChunk), errors.Is(err, errCorruptAux):
		e.logger.Error("pending: persisted state damaged, keeping records read so far",
			"err", err, "recovered", e.offline.Len())
	default:
		e.logger.Error("pending: load failed", "err", err, "version", e.label)
		return fmt.Errorf("pending: load: %w", err)
	}

	e.rebuildActiveGroups()
	e.dirty = true
	e.logger.Info("pending: state loaded",
		"offline", e.offline.Len(),
		"offline_bytes", e.offline.TotalBytes(),
		"groups", len(e.activeOffline),
		"next_unique_id", e.nextID,
		"version", e.label,
	)
	return nil
}

func (e *Engine) readState(r io.Reader) error {
	if _, err := e.offline.Read(r); err != nil {
		e.bumpNextID()
		return err
	}

	aux, err := readSection(r)
	if err != nil {
		e.bumpNextID()
		return err
	}
	e.decodeAux(aux)

	live := e.scratchQueue()
	_, liveErr := live.Read(r)
	live.Visit(func(rec types.Record) bool {
		e.offline.PushBack(rec)
		return true
	})
	e.bumpNextID()
	if liveErr != nil {
		return liveErr
	}

	sup := e.scratchQueue()
	_, supErr := sup.Read(r)
	sup.Visit(func(rec types.Record) bool {
		rec.UniqueID = e.nextID
		e.nextID++
		e.offline.PushBack(rec)
		return true
	})
	return supErr
}

// bumpNextID moves the id counter past every id already pending.
func (e *Engine) bumpNextID() {
	e.VisitPending(func(r types.Record) bool {
		if r.UniqueID >= e.nextID {
			e.nextID = r.UniqueID + 1
		}
		return true
	})
}

func (e *Engine) rebuildActiveGroups() {
	clear(e.activeOffline)
	e.offline.Visit(func(r types.Record) bool {
		if g, ok := r.Policy.Group(); ok {
			e.activeOffline[g]++
		}
		return true
	})
}

func (e *Engine) scratchQueue() *queue.Queue[types.Record] {
	return queue.New[types.Record](RecordSerializer{}, queue.Config{
		BlockSize: e.cfg.BlockSize,
		Logger:    e.logger,
	})
}

// ─── aux section ─────────────────────────────────────────────────────────────

func (e *Engine) encodeAux() []byte {
	w := codec.NewWriter(64)
	w.PutUint8(auxLayout)

	active := slices.Sorted(maps.Keys(e.activeOffline))
	w.PutInt32(int32(len(active)))
	for _, g := range active {
		w.PutUint64(g)
	}

	black := slices.Sorted(maps.Keys(e.blacklist))
	w.PutInt32(int32(len(black)))
	for _, g := range black {
		w.PutUint64(g)
	}

	tx := slices.Sorted(maps.Keys(e.txIDs))
	w.PutInt32(int32(len(tx)))
	for _, g := range tx {
		w.PutUint64(g)
		w.PutString(e.txIDs[g])
	}

	seq := slices.Sorted(maps.Keys(e.seqNos))
	w.PutInt32(int32(len(seq)))
	for _, g := range seq {
		w.PutUint64(g)
		w.PutInt64(e.seqNos[g])
	}

	w.PutInt64(e.nextID)
	w.PutUint64(e.flushNext)
	return w.Bytes()
}

// decodeAux restores group state. The active group list is informational;
// the counts are rebuilt from the offline queue after loading.
func (e *Engine) decodeAux(b []byte) {
	r := codec.NewReader(b)
	if layout := r.Uint8(); !r.OK() || layout < auxLayout {
		e.logger.Warn("pending: aux section unreadable, group state reset", "bytes", len(b))
		return
	}

	n := r.Int32()
	for i := int32(0); i < n && r.OK(); i++ {
		_ = r.Uint64()
	}

	black := make(map[uint64]struct{})
	n = r.Int32()
	for i := int32(0); i < n && r.OK(); i++ {
		black[r.Uint64()] = struct{}{}
	}

	tx := make(map[uint64]string)
	n = r.Int32()
	for i := int32(0); i < n && r.OK(); i++ {
		g := r.Uint64()
		tx[g] = r.String()
	}

	seq := make(map[uint64]int64)
	n = r.Int32()
	for i := int32(0); i < n && r.OK(); i++ {
		g := r.Uint64()
		seq[g] = r.Int64()
	}

	next := r.Int64()
	var count uint64
	if r.OK() && r.Remaining() >= 8 {
		count = r.Uint64()
	}
	if !r.OK() {
		e.logger.Warn("pending: aux section truncated, group state reset", "err", r.Err())
		return
	}
	maps.Copy(e.blacklist, black)
	maps.Copy(e.txIDs, tx)
	maps.Copy(e.seqNos, seq)
	e.nextID = max(e.nextID, next)
	e.flushCount = max(e.flushCount, count)
}

func writeSection(w io.Writer, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pending: write aux header: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("pending: write aux: %w", err)
	}
	return nil
}

func readSection(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated header", errCorruptAux)
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 || n > maxAuxLen {
		return nil, fmt.Errorf("%w: length %d", errCorruptAux, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: truncated body", errCorruptAux)
	}
	return b, nil
}
