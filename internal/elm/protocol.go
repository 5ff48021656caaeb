package elm

import "fmt"

// Protocol is an ELM327 OBD protocol number as used by ATSP and ATDPN.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolJ1850PWM
	ProtocolJ1850VPW
	ProtocolISO9141
	ProtocolKWP5Baud
	ProtocolKWPFast
	ProtocolCAN11Bit500
	ProtocolCAN29Bit500
	ProtocolCAN11Bit250
	ProtocolCAN29Bit250
	ProtocolJ1939
	ProtocolUser1
	ProtocolUser2
)

var protocolNames = map[Protocol]string{
	ProtocolAuto:        "Auto",
	ProtocolJ1850PWM:    "SAE J1850 PWM (41.6 kbaud)",
	ProtocolJ1850VPW:    "SAE J1850 VPW (10.4 kbaud)",
	ProtocolISO9141:     "ISO 9141-2 (5 baud init)",
	ProtocolKWP5Baud:    "ISO 14230-4 KWP (5 baud init)",
	ProtocolKWPFast:     "ISO 14230-4 KWP (fast init)",
	ProtocolCAN11Bit500: "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	ProtocolCAN29Bit500: "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	ProtocolCAN11Bit250: "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	ProtocolCAN29Bit250: "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	ProtocolJ1939:       "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	ProtocolUser1:       "User1 CAN (11 bit ID, 125 kbaud)",
	ProtocolUser2:       "User2 CAN (11 bit ID, 50 kbaud)",
}

func (p Protocol) String() string {
	if n, ok := protocolNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

// Valid reports whether p is a protocol the ELM327 knows.
func (p Protocol) Valid() bool { return p >= ProtocolAuto && p <= ProtocolUser2 }

// Code is the single hex digit used in ATSP/ATDPN.
func (p Protocol) Code() string { return fmt.Sprintf("%X", int(p)) }

// Status is how far the adapter chain has come up. The values are ordered.
type Status int

const (
	NotConnected Status = iota
	ElmConnected
	ObdConnected
	CarConnected
)

func (s Status) String() string {
	switch s {
	case NotConnected:
		return "not connected"
	case ElmConnected:
		return "elm connected"
	case ObdConnected:
		return "obd connected"
	case CarConnected:
		return "car connected"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// State is the session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
