package pending

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Correlation field names spliced into outbound payloads.
const (
	fieldTransactionID   = "transactionId"
	fieldTransactionInfo = "transactionInfo"
	fieldSeqNo           = "seqNo"
)

// payloadSeqNo returns the "seqNo" the producer embedded in payload.
func payloadSeqNo(payload []byte) (int64, bool) {
	var peek struct {
		SeqNo *int64 `json:"seqNo"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil || peek.SeqNo == nil {
		return 0, false
	}
	return *peek.SeqNo, true
}

// splice returns a copy of payload with the given correlation fields set.
// txID goes into "transactionInfo.transactionId" when the payload carries a
// transactionInfo object, otherwise into the top-level "transactionId". A
// purely numeric txID is written as a JSON number. A payload that is not a
// JSON object is returned unchanged with ok=false.
func splice(payload []byte, txID *string, seqNo *int64) ([]byte, bool) {
	if txID == nil && seqNo == nil {
		return payload, true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload, false
	}

	if txID != nil {
		val := txValue(*txID)
		if info, ok := obj[fieldTransactionInfo]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(info, &inner); err == nil && inner != nil {
				inner[fieldTransactionID] = val
				if b, err := json.Marshal(inner); err == nil {
					obj[fieldTransactionInfo] = b
				}
			} else {
				obj[fieldTransactionID] = val
			}
		} else {
			obj[fieldTransactionID] = val
		}
	}
	if seqNo != nil {
		obj[fieldSeqNo] = json.RawMessage(strconv.FormatInt(*seqNo, 10))
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return payload, false
	}
	return out, true
}

func txValue(id string) json.RawMessage {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		return json.RawMessage(id)
	}
	b, _ := json.Marshal(id)
	return b
}
