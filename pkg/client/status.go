package client

// Status is the voice state shown to the player.
type Status uint8

const (
	Off Status = iota
	Ready
	Muted
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Muted:
		return "muted"
	default:
		return "off"
	}
}
