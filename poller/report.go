package poller

import "time"

// Cycle results
const (
	ResultOK        = "ok"
	ResultTransport = "transport"
	ResultFetch     = "fetch"
	ResultParse     = "parse"
)

// Stages at which a device can be skipped
const (
	StageExtract   = "extract"
	StageDirectory = "directory"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageStore     = "store"
)

// Report summarizes one cycle
type Report struct {
	ID       string          `json:"id"`
	Start    time.Time       `json:"start"`
	Duration time.Duration   `json:"duration"`
	Devices  int             `json:"devices"`
	Received int             `json:"received"`
	Stored   int             `json:"stored"`
	Failed   int             `json:"failed"`
	Error    string          `json:"error,omitempty"`
	Failures []DeviceFailure `json:"failures,omitempty"`
}

// DeviceFailure records why one device produced no rows
type DeviceFailure struct {
	DeviceID string `json:"device"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}
