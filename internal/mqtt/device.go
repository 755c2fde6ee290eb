package mqtt

import "github.com/nugget/insight-relay/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every entity
// this instance publishes, so HA groups them on one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the discovery payload for an HA MQTT sensor.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// ButtonConfig is the discovery payload for an HA MQTT button. HA
// publishes PayloadPress to CommandTopic when it is pressed.
type ButtonConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	PayloadPress      string     `json:"payload_press"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
}

// NewDeviceInfo builds the device block. The instance ID is the stable
// identifier; deviceName is what HA displays.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "insight-relay",
		Model:        "Insight Relay",
		SWVersion:    buildinfo.Version,
	}
}
