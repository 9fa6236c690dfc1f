package ocpp

import (
	"strconv"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// ResultInterpreter reads a CALLRESULT payload for one action.
type ResultInterpreter interface {
	Interpret(payload json.RawMessage) types.Outcome
}

// InterpreterFunc adapts a function to ResultInterpreter.
type InterpreterFunc func(payload json.RawMessage) types.Outcome

// Interpret implements ResultInterpreter.
func (f InterpreterFunc) Interpret(payload json.RawMessage) types.Outcome { return f(payload) }

type capabilityKey struct {
	version Version
	action  string
}

// Registry maps (version, action) to the capability that understands its
// response. Actions without an interpreter are accepted on any CALLRESULT.
// A Registry is read-only once built; build it before the runner starts.
type Registry struct {
	results map[capabilityKey]ResultInterpreter
}

// NewRegistry returns a Registry with the built-in interpreters:
// 1.6 StartTransaction and 2.0.1 TransactionEvent.
func NewRegistry() *Registry {
	r := &Registry{results: make(map[capabilityKey]ResultInterpreter)}
	r.Register(V16, "StartTransaction", InterpreterFunc(startTransaction16))
	r.Register(V201, "TransactionEvent", InterpreterFunc(transactionEvent201))
	return r
}

// Register sets the interpreter for action under v, replacing any previous.
func (r *Registry) Register(v Version, action string, ri ResultInterpreter) {
	r.results[capabilityKey{v, action}] = ri
}

// Lookup returns the interpreter for action under v.
func (r *Registry) Lookup(v Version, action string) (ResultInterpreter, bool) {
	ri, ok := r.results[capabilityKey{v, action}]
	return ri, ok
}

// Outcome interprets f, the answer to a CALL of action sent under v.
func (r *Registry) Outcome(v Version, action string, f Frame) types.Outcome {
	if f.Type == CallError {
		return types.Outcome{Status: types.OutcomeCallError}
	}
	if ri, ok := r.Lookup(v, action); ok {
		return ri.Interpret(f.Payload)
	}
	return types.Outcome{Status: types.OutcomeAccepted}
}

// ─── built-ins ───────────────────────────────────────────────────────────────

func startTransaction16(payload json.RawMessage) types.Outcome {
	var resp struct {
		TransactionID *int64 `json:"transactionId"`
		IDTagInfo     struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return types.Outcome{Status: types.OutcomeRejected}
	}

	out := types.Outcome{Status: types.OutcomeAccepted}
	if resp.TransactionID != nil {
		id := strconv.FormatInt(*resp.TransactionID, 10)
		out.TransactionID = &id
	}
	switch resp.IDTagInfo.Status {
	case "Accepted", "ConcurrentTx":
	default:
		out.Status = types.OutcomeRejected
		out.BlacklistGroup = true
	}
	return out
}

func transactionEvent201(payload json.RawMessage) types.Outcome {
	var resp struct {
		IDTokenInfo *struct {
			Status string `json:"status"`
		} `json:"idTokenInfo"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return types.Outcome{Status: types.OutcomeRejected}
	}
	if resp.IDTokenInfo != nil {
		switch resp.IDTokenInfo.Status {
		case "Invalid", "Blocked":
			return types.Outcome{Status: types.OutcomeRejected, BlacklistGroup: true}
		}
	}
	return types.Outcome{Status: types.OutcomeAccepted}
}
