package cluster

import "strconv"

// ChannelState is the state of the control channel
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// RegistrationState is the node's registration with the control plane
type RegistrationState int

const (
	RegistrationDisabled RegistrationState = iota
	RegistrationEnabling
	RegistrationEnabled
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationDisabled:
		return "disabled"
	case RegistrationEnabling:
		return "enabling"
	case RegistrationEnabled:
		return "enabled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Status is a point-in-time view of the agent
type Status struct {
	Channel        ChannelState
	Registration   RegistrationState
	DesiredEnabled bool
}
