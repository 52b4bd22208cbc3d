package models

// Device is a peer connected to the host, as tracked by the host roster.
type Device struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// LastRTT is the most recent probe round trip in ms, -1 until measured.
	LastRTT int64 `json:"last_rtt"`
	// AvgLatency is the average round trip in ms from the last calibration
	// window. Zero means no compensation is known.
	AvgLatency int64 `json:"avg_latency"`
}

// PendingDeviceName is shown for a device until its HELLO arrives.
const PendingDeviceName = "Connecting..."

// NewDevice returns a roster entry for a freshly opened connection.
func NewDevice(id string) Device {
	return Device{
		ID:          id,
		DisplayName: PendingDeviceName,
		LastRTT:     -1,
	}
}

// Calibrated reports whether the device has a usable latency average.
func (d Device) Calibrated() bool {
	return d.AvgLatency > 0
}
