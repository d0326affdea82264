package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Mode          string       `json:"mode"`
	Bits          []string     `json:"bits"`
	Device        string       `json:"device_id"`
	Ready         bool         `json:"ready"`
	Session       string       `json:"session,omitempty"`
	Reading       float64      `json:"reading"`
	Sampling      bool         `json:"sampling"`
	LastWeight    *WeightJSON  `json:"last_weight,omitempty"`
	Spool         SpoolJSON    `json:"spool"`
	Counts        CountsJSON   `json:"weight_counts"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// WeightJSON is the JSON representation of the last stable weight.
type WeightJSON struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Diff      float64 `json:"diff"`
	Direction string  `json:"direction"`
	Delivered bool    `json:"delivered"`
}

// SpoolJSON reports the offline queue.
type SpoolJSON struct {
	Depth int `json:"depth"`
	Max   int `json:"max"`
}

// CountsJSON is the JSON representation of delivery counts.
type CountsJSON struct {
	Posted   int `json:"posted"`
	Spooled  int `json:"spooled"`
	Replayed int `json:"replayed"`
	Dropped  int `json:"dropped"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	DeviceName string `json:"device_name"`
	APIBase    string `json:"api_base"`
	Broker     string `json:"broker"`
	HTTPAddr   string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	device := snap.DeviceID
	if device == "" {
		device = "none"
	}
	bits := snap.Bits.Names()
	if bits == nil {
		bits = []string{}
	}

	inner := StatusInner{
		Mode:          snap.Mode.String(),
		Bits:          bits,
		Device:        device,
		Ready:         snap.Ready(),
		Session:       snap.Session,
		Reading:       snap.Reading,
		Sampling:      snap.Sampling,
		Spool:         SpoolJSON{Depth: snap.SpoolDepth, Max: snap.Config.SpoolMax},
		Counts:        CountsJSON(snap.Counts),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			DeviceName: snap.Config.DeviceName,
			APIBase:    snap.Config.APIBase,
			Broker:     snap.Config.Broker,
			HTTPAddr:   snap.Config.HTTPAddr,
		},
	}
	if w := snap.LastWeight; w != nil {
		inner.LastWeight = &WeightJSON{
			Timestamp: w.Time.UTC().Format(time.RFC3339),
			Value:     w.Value,
			Diff:      w.Diff,
			Direction: w.Direction,
			Delivered: w.Delivered,
		}
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
