package model

// ConnectionStatus is the hub-reported link state of a shade.
type ConnectionStatus string

const (
	ConnectionOnline  ConnectionStatus = "online"
	ConnectionOffline ConnectionStatus = "offline"
)

// Device-unit bounds of a shade position.
const (
	PositionClosed = 0
	PositionOpen   = 65535
)

// Shade is a single motorized shade as reported by a Crestron hub.
// Position is always kept in device units (0 closed, 65535 open).
type Shade struct {
	ID               int              `json:"id"`
	Name             string           `json:"name"`
	Position         int              `json:"position"`
	SubType          string           `json:"subType"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	RoomID           int              `json:"roomId"`
}

// Online reports whether the hub can currently reach the shade.
func (s Shade) Online() bool {
	return s.ConnectionStatus != ConnectionOffline
}

// WithDefaults fills the fields a hub may omit.
func (s Shade) WithDefaults() Shade {
	if s.Name == "" {
		s.Name = "Unknown"
	}
	if s.SubType == "" {
		s.SubType = "Shade"
	}
	if s.ConnectionStatus == "" {
		s.ConnectionStatus = ConnectionOnline
	}
	s.Position = ClampPosition(s.Position)
	return s
}

// ClampPosition bounds a device-unit position to [PositionClosed, PositionOpen].
func ClampPosition(pos int) int {
	if pos < PositionClosed {
		return PositionClosed
	}
	if pos > PositionOpen {
		return PositionOpen
	}
	return pos
}
