package models

import "time"

// MinerMake identifies the hardware manufacturer of an ASIC device.
type MinerMake string

const (
	MakeAntminer   MinerMake = "antminer"
	MakeWhatsminer MinerMake = "whatsminer"
	MakeAvalon     MinerMake = "avalon"
	MakeIceRiver   MinerMake = "iceriver"
	MakeBitaxe     MinerMake = "bitaxe"
	MakeUnknown    MinerMake = "unknown"
)

// MinerFirmware identifies the firmware family running on a device.
// Aftermarket firmwares expose the same status API as stock but report
// different version strings.
type MinerFirmware string

const (
	FirmwareStock   MinerFirmware = "stock"
	FirmwareBraiins MinerFirmware = "braiins"
	FirmwareVnish   MinerFirmware = "vnish"
	FirmwareLuxOS   MinerFirmware = "luxos"
	FirmwareUnknown MinerFirmware = "unknown"
)

// Miner is a point-in-time snapshot of an ASIC device taken during a scan.
// Snapshots are immutable once produced; a later probe of the same IP in the
// same session replaces the earlier snapshot wholesale.
type Miner struct {
	// ID is a stable device identifier supplied by the prober once known
	// (serial number when the firmware reports one, otherwise derived from
	// make and address).
	ID string `json:"id"`

	IP         string        `json:"ip"`
	MACAddress string        `json:"mac_address,omitempty"`
	Make       MinerMake     `json:"make"`
	Model      string        `json:"model"`
	Firmware   MinerFirmware `json:"firmware"`

	// FirmwareVersion is the raw version string reported by the device.
	FirmwareVersion string `json:"firmware_version,omitempty"`

	// HashrateTHS is the short-window hashrate in terahashes per second.
	HashrateTHS float64 `json:"hashrate_ths"`

	// TempC is the highest board temperature reported, in degrees Celsius.
	TempC float64 `json:"temp_c,omitempty"`

	FanRPM    int   `json:"fan_rpm,omitempty"`
	UptimeSec int64 `json:"uptime_sec,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
}

// Filter is an allow-list applied to probed devices. Empty slices match
// everything, mirroring an unset filter.
type Filter struct {
	Makes     []MinerMake     `json:"search_makes,omitempty"`
	Firmwares []MinerFirmware `json:"search_firmwares,omitempty"`
}

// IsZero reports whether the filter matches all devices.
func (f Filter) IsZero() bool {
	return len(f.Makes) == 0 && len(f.Firmwares) == 0
}

// Match reports whether the snapshot passes the allow-lists.
func (f Filter) Match(m *Miner) bool {
	if len(f.Makes) > 0 && !containsMake(f.Makes, m.Make) {
		return false
	}
	if len(f.Firmwares) > 0 && !containsFirmware(f.Firmwares, m.Firmware) {
		return false
	}
	return true
}

func containsMake(list []MinerMake, v MinerMake) bool {
	for _, m := range list {
		if m == v {
			return true
		}
	}
	return false
}

func containsFirmware(list []MinerFirmware, v MinerFirmware) bool {
	for _, f := range list {
		if f == v {
			return true
		}
	}
	return false
}
