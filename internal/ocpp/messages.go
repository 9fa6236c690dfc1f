package ocpp

import (
	"time"

	"github.com/goccy/go-json"
)

// Station describes the hardware in BootNotification.
type Station struct {
	Model           string
	Vendor          string
	FirmwareVersion string
}

type bootRequest16 struct {
	Model           string `json:"chargePointModel"`
	Vendor          string `json:"chargePointVendor"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type chargingStation201 struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type bootRequest201 struct {
	Reason          string             `json:"reason"`
	ChargingStation chargingStation201 `json:"chargingStation"`
}

// BootNotification returns the request payload for v.
func BootNotification(v Version, s Station) []byte {
	var req any = bootRequest16{Model: s.Model, Vendor: s.Vendor, FirmwareVersion: s.FirmwareVersion}
	if v == V201 {
		req = bootRequest201{
			Reason: "PowerUp",
			ChargingStation: chargingStation201{
				Model:           s.Model,
				VendorName:      s.Vendor,
				FirmwareVersion: s.FirmwareVersion,
			},
		}
	}
	b, _ := json.Marshal(req)
	return b
}

// BootStatus is the CSMS answer to BootNotification.
type BootStatus string

const (
	BootAccepted BootStatus = "Accepted"
	BootPending  BootStatus = "Pending"
	BootRejected BootStatus = "Rejected"
)

// BootResponse is the subset of the BootNotification response the runner uses.
// The field names are the same in 1.6 and 2.0.1.
type BootResponse struct {
	Status      BootStatus `json:"status"`
	Interval    int        `json:"interval"`
	CurrentTime time.Time  `json:"currentTime"`
}

// ParseBootResponse decodes a BootNotification CALLRESULT payload.
func ParseBootResponse(payload json.RawMessage) (BootResponse, error) {
	var r BootResponse
	err := json.Unmarshal(payload, &r)
	return r, err
}

// Heartbeat returns the request payload; it is empty in both versions.
func Heartbeat() []byte { return []byte("{}") }

// UploadStatus is the outcome of a diagnostics/log upload.
type UploadStatus string

const (
	UploadUploading UploadStatus = "Uploading"
	UploadUploaded  UploadStatus = "Uploaded"
	UploadFailed    UploadStatus = "Failed"
)

// UploadNotification returns the action and payload reporting an upload
// state: DiagnosticsStatusNotification in 1.6, LogStatusNotification with
// the request id in 2.0.1.
func UploadNotification(v Version, status UploadStatus, requestID int) (action string, payload []byte) {
	if v == V201 {
		s := string(status)
		if status == UploadFailed {
			s = "UploadFailure"
		}
		b, _ := json.Marshal(struct {
			Status    string `json:"status"`
			RequestID int    `json:"requestId"`
		}{s, requestID})
		return "LogStatusNotification", b
	}
	s := string(status)
	if status == UploadFailed {
		s = "UploadFailed"
	}
	b, _ := json.Marshal(struct {
		Status string `json:"status"`
	}{s})
	return "DiagnosticsStatusNotification", b
}
