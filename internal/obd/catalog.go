package obd

import (
	"fmt"
	"sort"
)

// Service (mode) numbers.
const (
	ModeCurrentData uint8 = 0x01
	ModeVehicleInfo uint8 = 0x09

	// responseFlag is added to the service byte of every positive response.
	responseFlag uint8 = 0x40
)

// DataKind tells the codec how to interpret the data bytes of a PID.
type DataKind int

const (
	KindRawInt DataKind = iota
	KindBitmask
	KindVin
	KindStatus
)

func (k DataKind) String() string {
	switch k {
	case KindRawInt:
		return "int"
	case KindBitmask:
		return "bitmask"
	case KindVin:
		return "vin"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("DataKind(%d)", int(k))
	}
}

// PidDefinition describes one parameter. ByteLength counts the service and
// PID bytes plus the data bytes, i.e. the length of a single-frame response
// payload after the CAN length byte.
type PidDefinition struct {
	Mode       uint8    `yaml:"mode" json:"mode"`
	PID        uint8    `yaml:"pid" json:"pid"`
	ByteLength uint8    `yaml:"byte_length" json:"byteLength"`
	Name       string   `yaml:"name" json:"name"`
	Kind       DataKind `yaml:"kind" json:"kind"`
	Scale      float64  `yaml:"scale" json:"scale"`
	Offset     float64  `yaml:"offset" json:"offset"`
	Unit       string   `yaml:"unit" json:"unit"`
}

// DataLength is the number of value bytes following the service and PID bytes.
func (d PidDefinition) DataLength() int {
	if d.ByteLength < 2 {
		return 0
	}
	return int(d.ByteLength) - 2
}

// IsBitmask reports whether the PID is a "supported PIDs" block.
func (d PidDefinition) IsBitmask() bool { return d.Kind == KindBitmask }

type pidKey struct{ mode, pid uint8 }

// Catalog is an immutable set of PID definitions indexed by (mode, pid) and by
// name. Build one with NewCatalog or DefaultCatalog and share it freely.
type Catalog struct {
	byKey  map[pidKey]PidDefinition
	byName map[string]PidDefinition
	all    []PidDefinition
}

// NewCatalog indexes defs. Duplicate (mode, pid) pairs or names are rejected.
func NewCatalog(defs []PidDefinition) (*Catalog, error) {
	c := &Catalog{
		byKey:  make(map[pidKey]PidDefinition, len(defs)),
		byName: make(map[string]PidDefinition, len(defs)),
	}
	for _, d := range defs {
		k := pidKey{d.Mode, d.PID}
		if _, dup := c.byKey[k]; dup {
			return nil, fmt.Errorf("obd: duplicate definition for mode %02X pid %02X", d.Mode, d.PID)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("obd: duplicate definition name %q", d.Name)
		}
		if d.ByteLength < 2 {
			return nil, fmt.Errorf("obd: %s: byte length %d too short", d.Name, d.ByteLength)
		}
		c.byKey[k] = d
		c.byName[d.Name] = d
		c.all = append(c.all, d)
	}
	sort.Slice(c.all, func(i, j int) bool {
		if c.all[i].Mode != c.all[j].Mode {
			return c.all[i].Mode < c.all[j].Mode
		}
		return c.all[i].PID < c.all[j].PID
	})
	return c, nil
}

// Lookup returns the definition for (mode, pid).
func (c *Catalog) Lookup(mode, pid uint8) (PidDefinition, bool) {
	d, ok := c.byKey[pidKey{mode, pid}]
	return d, ok
}

// ByName returns the definition with the given name.
func (c *Catalog) ByName(name string) (PidDefinition, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// All returns every definition ordered by mode then PID.
func (c *Catalog) All() []PidDefinition {
	out := make([]PidDefinition, len(c.all))
	copy(out, c.all)
	return out
}

// Names of the definitions the rest of the module refers to directly.
const (
	NameStatus       = "STATUS"
	NameEngineLoad   = "ENGINE_LOAD"
	NameCoolantTemp  = "COOLANT_TEMP"
	NameEngineSpeed  = "ENGINE_SPEED"
	NameVehicleSpeed = "VEHICLE_SPEED"
	NameDistanceMIL  = "DISTANCE_W_MIL"
	NameOilTemp      = "OIL_TEMP"
	NameVinCount     = "VIN_MCOUNT"
	NameVin          = "VIN"
)

// PIDs within Mode 9.
const (
	PidVinCount uint8 = 0x01
	PidVin      uint8 = 0x02
)

func bitmaskDef(mode, base uint8) PidDefinition {
	return PidDefinition{
		Mode:       mode,
		PID:        base,
		ByteLength: 6,
		Name:       fmt.Sprintf("S%d_PIDS_%02X_%02X", mode, int(base)+1, int(base)+32),
		Kind:       KindBitmask,
	}
}

// DefaultDefinitions is the representative subset of SAE J1979 used by the
// scanner and simulator.
func DefaultDefinitions() []PidDefinition {
	var defs []PidDefinition
	for base := 0; base <= 0xE0; base += 0x20 {
		defs = append(defs, bitmaskDef(ModeCurrentData, uint8(base)))
	}
	defs = append(defs,
		PidDefinition{Mode: ModeCurrentData, PID: 0x01, ByteLength: 6, Name: NameStatus, Kind: KindStatus},
		PidDefinition{Mode: ModeCurrentData, PID: 0x04, ByteLength: 3, Name: NameEngineLoad, Kind: KindRawInt, Scale: 100.0 / 255.0, Unit: "%"},
		PidDefinition{Mode: ModeCurrentData, PID: 0x05, ByteLength: 3, Name: NameCoolantTemp, Kind: KindRawInt, Scale: 1, Offset: -40, Unit: "degC"},
		PidDefinition{Mode: ModeCurrentData, PID: 0x0C, ByteLength: 4, Name: NameEngineSpeed, Kind: KindRawInt, Scale: 0.25, Unit: "rpm"},
		PidDefinition{Mode: ModeCurrentData, PID: 0x0D, ByteLength: 3, Name: NameVehicleSpeed, Kind: KindRawInt, Scale: 1, Unit: "kph"},
		PidDefinition{Mode: ModeCurrentData, PID: 0x21, ByteLength: 4, Name: NameDistanceMIL, Kind: KindRawInt, Scale: 1, Unit: "km"},
		PidDefinition{Mode: ModeCurrentData, PID: 0x5C, ByteLength: 3, Name: NameOilTemp, Kind: KindRawInt, Scale: 1, Offset: -40, Unit: "degC"},
		bitmaskDef(ModeVehicleInfo, 0x00),
		PidDefinition{Mode: ModeVehicleInfo, PID: PidVinCount, ByteLength: 3, Name: NameVinCount, Kind: KindRawInt, Scale: 1, Unit: "count"},
		PidDefinition{Mode: ModeVehicleInfo, PID: PidVin, ByteLength: 3 + VinLength, Name: NameVin, Kind: KindVin},
	)
	return defs
}

// DefaultCatalog builds a Catalog from DefaultDefinitions.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions())
	if err != nil {
		panic(err)
	}
	return c
}
