package models

// ScanRecord is one row of the scan history: which groups were swept, when,
// and how it ended. Timestamps are RFC 3339 strings, matching how they are
// stored.
type ScanRecord struct {
	ID        string   `json:"id"`
	Groups    []string `json:"groups"`
	StartedAt string   `json:"started_at"`
	EndedAt   string   `json:"ended_at,omitempty"`
	Status    string   `json:"status"`
	Probed    int      `json:"probed"`
	Found     int      `json:"found"`
	Error     string   `json:"error,omitempty"`
}
