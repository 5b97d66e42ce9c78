package models

// ScanGroup is a named unit of scan configuration: one or more address
// ranges probed together with a shared filter. Groups are owned by the
// persisted configuration and copied by value into a running session, so
// in-flight scans are insulated from concurrent edits.
type ScanGroup struct {
	Name string `json:"name"`

	// Ranges holds textual range specifications: CIDR ("10.0.0.0/24"),
	// explicit ranges ("10.0.0.1-10.0.0.50"), or per-octet nmap notation
	// ("192.168.1-8.1-50"). Parsed when a scan starts; invalid specs abort
	// the scan before any probe runs.
	Ranges []string `json:"ranges"`

	Filter  Filter `json:"scan_config"`
	Enabled bool   `json:"enabled"`
}

// NewScanGroup returns an enabled group with an unset filter.
func NewScanGroup(name string, ranges ...string) ScanGroup {
	return ScanGroup{
		Name:    name,
		Ranges:  ranges,
		Enabled: true,
	}
}
