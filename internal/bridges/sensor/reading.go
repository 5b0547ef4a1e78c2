package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// reportTimeLayout is the sensor firmware's timestamp format, in local time.
const reportTimeLayout = "2006-01-02 15:04:05"

var errNoTimestamp = errors.New("sensorData has no updateTime")

type sensorData struct {
	UpdateTime string `json:"updateTime"`
}

// reportTime extracts the device-reported timestamp of a reading. RFC 3339
// is accepted alongside the firmware layout.
func reportTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errNoTimestamp
	}

	var data sensorData
	if err := json.Unmarshal(raw, &data); err != nil {
		return time.Time{}, fmt.Errorf("decoding sensorData: %w", err)
	}
	if data.UpdateTime == "" {
		return time.Time{}, errNoTimestamp
	}

	if t, err := time.ParseInLocation(reportTimeLayout, data.UpdateTime, time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, data.UpdateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing updateTime %q: %w", data.UpdateTime, err)
	}
	return t, nil
}
