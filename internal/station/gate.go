package station

import (
	"sync/atomic"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
)

// bootGate holds back every engine send until the CSMS has accepted the
// BootNotification. The runner sends the boot call itself, beneath the gate.
type bootGate struct {
	pending.Channel
	accepted *atomic.Bool
}

// AdmitCall implements pending.Channel.
func (g bootGate) AdmitCall() bool {
	return g.accepted.Load() && g.Channel.AdmitCall()
}
