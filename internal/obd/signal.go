package obd

import (
	"fmt"
	"strconv"
	"time"
)

// MonitorStatus is the decoded Mode 1 PID 1 block.
type MonitorStatus struct {
	MIL                 bool  `json:"mil"`
	DTCCount            uint8 `json:"dtcCount"`
	CompressionIgnition bool  `json:"compressionIgnition"`
}

func decodeMonitorStatus(data []byte) MonitorStatus {
	var s MonitorStatus
	if len(data) > 0 {
		s.MIL = data[0]&0x80 != 0
		s.DTCCount = data[0] & 0x7F
	}
	if len(data) > 1 {
		s.CompressionIgnition = data[1]&0x08 != 0
	}
	return s
}

// Signal is one decoded PID value. It is created by a query and never
// modified afterwards.
type Signal struct {
	Mode      uint8     `json:"mode"`
	PID       uint8     `json:"pid"`
	Name      string    `json:"name"`
	Kind      DataKind  `json:"-"`
	Raw       []byte    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`

	// Derived value, populated according to Kind.
	Value  float64        `json:"value,omitempty"`
	Unit   string         `json:"unit,omitempty"`
	Pids   *SupportedPids `json:"-"`
	Vin    string         `json:"vin,omitempty"`
	Status *MonitorStatus `json:"status,omitempty"`
}

// Key identifies a signal by (mode, pid).
type Key struct {
	Mode uint8
	PID  uint8
}

func (k Key) String() string { return fmt.Sprintf("%02X%02X", k.Mode, k.PID) }

// Key returns the signal's (mode, pid).
func (s Signal) Key() Key { return Key{Mode: s.Mode, PID: s.PID} }

// Text renders the derived value for logs and CSV output.
func (s Signal) Text() string {
	switch s.Kind {
	case KindRawInt:
		return strconv.FormatFloat(s.Value, 'f', -1, 64)
	case KindBitmask:
		if s.Pids == nil {
			return ""
		}
		return fmt.Sprintf("%08X", s.Pids.Bits)
	case KindVin:
		return s.Vin
	case KindStatus:
		if s.Status == nil {
			return ""
		}
		return fmt.Sprintf("mil=%t dtc=%d", s.Status.MIL, s.Status.DTCCount)
	}
	return fmt.Sprintf("% X", s.Raw)
}

func (s Signal) String() string {
	if s.Unit != "" {
		return fmt.Sprintf("%s=%s %s", s.Name, s.Text(), s.Unit)
	}
	return fmt.Sprintf("%s=%s", s.Name, s.Text())
}
