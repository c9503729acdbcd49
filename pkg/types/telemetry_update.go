package types

import "encoding/json"

// TelemetryUpdate is one value change on the telemetry bus. It is what the
// bridge broadcasts over WebSocket and what the history collector records.
type TelemetryUpdate struct {
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Path      string `json:"path"`
	Value     any    `json:"value"`
}

func (u *TelemetryUpdate) ToJsonBytes() []byte {
	data, err := json.Marshal(u)
	if err != nil {
		return nil
	}
	return data
}

// Returns nil when data is not a telemetry update.
func TelemetryUpdateFromJsonBytes(data []byte) *TelemetryUpdate {
	var u TelemetryUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil
	}
	if u.Service == "" || u.Path == "" {
		return nil
	}
	return &u
}

// Float returns the value as a float64 if it is numeric. JSON decoding
// turns every number into float64, in-process values keep their Go type.
func (u *TelemetryUpdate) Float() (float64, bool) {
	switch v := u.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
