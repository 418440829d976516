package transformer

// Reading is the decoded status of one device from one response
type Reading struct {
	DeviceID     string  `json:"id"`          // cloud device id
	Timestamp    float64 `json:"ts"`          // device timestamp, seconds since the epoch
	HasTimestamp bool    `json:"-"`           // false when ts was missing and defaulted to 0
	TemperatureC float64 `json:"temperature"` // degrees Celsius
	HumidityPct  float64 `json:"humidity"`    // relative humidity in percent
	BatteryV     float64 `json:"voltage"`     // battery voltage
	BatteryPct   float64 `json:"capacity"`    // battery capacity in percent
}

// Extraction is the outcome for one response item: a reading, or the
// error that kept the item from producing one.
type Extraction struct {
	DeviceID string
	Reading  Reading
	Err      error
}
