package pending

import (
	"github.com/ChargeLab/OpenOCPP-sub001/internal/codec"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// recordLayout is the first byte of every stored record. Layouts only grow:
// a reader decodes the fields it knows and ignores the rest.
const recordLayout uint8 = 1

// Policy flag bits.
const (
	flagAddTransactionID uint8 = 1 << iota
	flagAddSequenceNumber
	flagMustFlushToDisk
)

// RecordSerializer is the queue.Serializer for pending records.
//
// Layout:
//
//	[layout       : 1 byte ]
//	[unique id    : 8 bytes, int64]
//	[attempts     : 4 bytes, int32]
//	[type         : 1 byte ]
//	[group id     : optional uint64]
//	[msg attempts : 4 bytes, int32]
//	[retry secs   : 4 bytes, int32]
//	[priority     : 4 bytes, int32]
//	[flags        : 1 byte ]
//	[action 1.6   : string]
//	[action 2.0.1 : string]
//	[payload      : bytes ]
//	[assigned seq : optional int64]
type RecordSerializer struct{}

// Encode implements queue.Serializer.
func (RecordSerializer) Encode(r types.Record) []byte {
	w := codec.NewWriter(48 + len(r.Payload) + len(r.Actions.V16) + len(r.Actions.V201))
	w.PutUint8(recordLayout)
	w.PutInt64(r.UniqueID)
	w.PutInt32(int32(r.Attempts))

	p := r.Policy
	w.PutUint8(uint8(p.Type))
	g, grouped := p.Group()
	w.PutOptionalUint64(g, grouped)
	w.PutInt32(int32(p.MessageAttempts))
	w.PutInt32(int32(p.RetryIntervalSeconds))
	w.PutInt32(int32(p.Priority))
	var flags uint8
	if p.AddTransactionID {
		flags |= flagAddTransactionID
	}
	if p.AddSequenceNumber {
		flags |= flagAddSequenceNumber
	}
	if p.MustFlushToDisk {
		flags |= flagMustFlushToDisk
	}
	w.PutUint8(flags)

	w.PutString(r.Actions.V16)
	w.PutString(r.Actions.V201)
	w.PutBytes(r.Payload)

	var seq int64
	if r.AssignedSeqNo != nil {
		seq = *r.AssignedSeqNo
	}
	w.PutOptionalInt64(seq, r.AssignedSeqNo != nil)
	return w.Bytes()
}

// Decode implements queue.Serializer.
func (RecordSerializer) Decode(b []byte) (types.Record, bool) {
	rd := codec.NewReader(b)
	if layout := rd.Uint8(); !rd.OK() || layout < recordLayout {
		return types.Record{}, false
	}

	var r types.Record
	r.UniqueID = rd.Int64()
	r.Attempts = int(rd.Int32())

	r.Policy.Type = types.MessageType(rd.Uint8())
	if g, ok := rd.OptionalUint64(); ok {
		r.Policy.GroupID = &g
	}
	r.Policy.MessageAttempts = int(rd.Int32())
	r.Policy.RetryIntervalSeconds = int(rd.Int32())
	r.Policy.Priority = int(rd.Int32())
	flags := rd.Uint8()
	r.Policy.AddTransactionID = flags&flagAddTransactionID != 0
	r.Policy.AddSequenceNumber = flags&flagAddSequenceNumber != 0
	r.Policy.MustFlushToDisk = flags&flagMustFlushToDisk != 0

	r.Actions.V16 = rd.String()
	r.Actions.V201 = rd.String()
	r.Payload = rd.Bytes()
	if !rd.OK() {
		return types.Record{}, false
	}

	// Optional trailer; shorter records carry no assigned sequence number.
	if rd.Remaining() > 0 {
		if seq, ok := rd.OptionalInt64(); ok {
			r.AssignedSeqNo = &seq
		}
		if !rd.OK() {
			return types.Record{}, false
		}
	}
	return r, true
}
