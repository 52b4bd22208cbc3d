package models

// Role is the local device's part in a session.
type Role string

const (
	RoleNone   Role = "NONE"
	RoleHost   Role = "HOST"
	RoleClient Role = "CLIENT"
)

// ConnectionStatus is surfaced to the user instead of exit codes.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusWaiting      ConnectionStatus = "waiting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
)

// SessionInfo is a read-only view of the active session.
type SessionInfo struct {
	Role        Role             `json:"role"`
	DeviceName  string           `json:"device_name"`
	Code        string           `json:"code,omitempty"`
	TransportID string           `json:"transport_id,omitempty"`
	Status      ConnectionStatus `json:"status"`
	Roster      []Device         `json:"roster,omitempty"`
}
