// Package types contains the core domain types shared by the delivery engine,
// the offline queue serializer, the OCPP adapters and the diagnostics
// surface. It deliberately imports no other package of this module so every
// layer can depend on it without creating import cycles.
package types

// Version is an OCPP protocol version as negotiated in the WebSocket
// subprotocol header.
type Version uint8

const (
	V16 Version = iota + 1
	V201
)

// String returns the WebSocket subprotocol name of the version.
func (v Version) String() string {
	switch v {
	case V16:
		return "ocpp1.6"
	case V201:
		return "ocpp2.0.1"
	default:
		return "unknown"
	}
}

// MessageType classifies a record for persistence and group bookkeeping.
type MessageType uint8

const (
	// MessageGeneric is any standalone notification (status, firmware, log,
	// heartbeat, meter values outside a transaction).
	MessageGeneric MessageType = iota
	// MessageTransactionStart opens a group. It is never pre-persisted from
	// the live queue; its stop framing is supplied by the transaction owner.
	MessageTransactionStart
	// MessageTransactionUpdate is an interior group message.
	MessageTransactionUpdate
	// MessageTransactionEnd closes a group. Acknowledging it clears the
	// group's sequence counter and backend transaction id.
	MessageTransactionEnd
)

// String returns a human-readable representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageGeneric:
		return "generic"
	case MessageTransactionStart:
		return "transaction_start"
	case MessageTransactionUpdate:
		return "transaction_update"
	case MessageTransactionEnd:
		return "transaction_end"
	default:
		return "unknown"
	}
}

// ActionTags holds the OCPP action name of a record for each protocol
// version. An empty tag means the record has no meaning in that version.
type ActionTags struct {
	V16  string `json:"v16,omitempty"`
	V201 string `json:"v201,omitempty"`
}

// For returns the action for v and whether one is set.
func (a ActionTags) For(v Version) (string, bool) {
	var s string
	switch v {
	case V16:
		s = a.V16
	case V201:
		s = a.V201
	}
	return s, s != ""
}

// Policy describes how a record must be delivered.
//
// Format rules: the on-disk encoding of Policy only ever grows at the end.
// Never reorder or remove a field.
type Policy struct {
	Type MessageType `json:"type"`

	// GroupID ties related records together (one charging transaction).
	// Records sharing a group are delivered in enqueue order. Nil means
	// ungrouped.
	GroupID *uint64 `json:"group_id,omitempty"`

	// MessageAttempts is the send budget. A record is dropped once Attempts
	// reaches it.
	MessageAttempts int `json:"message_attempts"`

	// RetryIntervalSeconds is the linear backoff step: the n-th resend waits
	// n*RetryIntervalSeconds of idle time on the call slot.
	RetryIntervalSeconds int `json:"retry_interval_seconds"`

	// Priority is eligibility for eviction, not urgency. Under offline
	// pressure the highest priority present is thinned first.
	Priority int `json:"priority"`

	// AddTransactionID splices the backend-assigned transaction id of the
	// group into the payload's "transactionId" field at send time.
	AddTransactionID bool `json:"add_transaction_id"`

	// AddSequenceNumber splices the group's next "seqNo" into the payload
	// at send time.
	AddSequenceNumber bool `json:"add_sequence_number"`

	// MustFlushToDisk forces a persistence flush on the next step.
	MustFlushToDisk bool `json:"must_flush_to_disk"`
}

// Group returns the group id and whether the policy is grouped.
func (p Policy) Group() (uint64, bool) {
	if p.GroupID == nil {
		return 0, false
	}
	return *p.GroupID, true
}

// Record is one pending outbound message.
type Record struct {
	// UniqueID is never reused while the record is unacknowledged.
	UniqueID int64 `json:"unique_id"`

	// Payload is the serialized body exactly as the producer built it.
	// Correlation fields are spliced into a copy at send time; the stored
	// payload is never rewritten.
	Payload []byte `json:"-"`

	Policy  Policy     `json:"policy"`
	Actions ActionTags `json:"actions"`

	// Attempts counts send calls made for this record.
	Attempts int `json:"attempts"`

	// AssignedSeqNo is the sequence number given to this record on its first
	// transmission, reused on every resend.
	AssignedSeqNo *int64 `json:"assigned_seq_no,omitempty"`
}

// Clone returns a copy of r that shares no mutable memory with it.
func (r Record) Clone() Record {
	c := r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Policy.GroupID != nil {
		g := *r.Policy.GroupID
		c.Policy.GroupID = &g
	}
	if r.AssignedSeqNo != nil {
		s := *r.AssignedSeqNo
		c.AssignedSeqNo = &s
	}
	return c
}

// OutcomeStatus is how the backend answered a CALL.
type OutcomeStatus uint8

const (
	// OutcomeAccepted is a CALLRESULT.
	OutcomeAccepted OutcomeStatus = iota
	// OutcomeRejected is a CALLRESULT whose content refuses the request.
	OutcomeRejected
	// OutcomeCallError is a CALLERROR frame.
	OutcomeCallError
)

// String returns a human-readable representation of the status.
func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCallError:
		return "call_error"
	default:
		return "unknown"
	}
}

// Outcome is the correlated acknowledgement of a sent record.
type Outcome struct {
	Status OutcomeStatus

	// TransactionID is the backend-assigned id learned from a transaction
	// start response.
	TransactionID *string

	// BlacklistGroup marks the record's group as refused: every further
	// record of the group is dropped without sending.
	BlacklistGroup bool
}
