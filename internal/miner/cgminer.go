package miner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// DefaultAPIPort is the TCP port of the CGMiner-style status API spoken by
// nearly every ASIC firmware (stock, Braiins, Vnish, LuxOS).
const DefaultAPIPort = 4028

// Client speaks the CGMiner TCP API: one JSON command per connection, the
// reply is a JSON document terminated by a NUL byte and connection close.
type Client struct {
	port   int
	logger *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIPort overrides the API port (default 4028).
func WithAPIPort(port int) ClientOption {
	return func(c *Client) { c.port = port }
}

// NewClient creates a CGMiner API client.
func NewClient(logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		port:   DefaultAPIPort,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiReply is a decoded top-level API response. Section values ("VERSION",
// "SUMMARY", "STATS", ...) stay raw until a caller extracts them.
type apiReply map[string]json.RawMessage

type apiStatus struct {
	Status string `json:"STATUS"`
	Msg    string `json:"Msg"`
}

// Command sends one API command and decodes the reply. The connection is
// bounded by the ctx deadline end to end.
func (c *Client) command(ctx context.Context, addr netip.Addr, command string) (apiReply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(c.port)))
	if err != nil {
		return nil, &ProbeError{Addr: addr, Op: "dial", Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req, _ := json.Marshal(map[string]string{"command": command})
	if _, err := conn.Write(req); err != nil {
		return nil, &ProbeError{Addr: addr, Op: "write " + command, Err: err}
	}

	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return nil, &ProbeError{Addr: addr, Op: "read " + command, Err: err}
	}

	reply, err := decodeReply(data)
	if err != nil {
		return nil, &ProbeError{Addr: addr, Op: "decode " + command, Err: err}
	}
	return reply, nil
}

// decodeReply strips the NUL terminator and tolerates the long-standing
// Antminer bug where STATS sections are concatenated as `}{` without a comma.
func decodeReply(data []byte) (apiReply, error) {
	data = bytes.TrimRight(data, "\x00")
	data = bytes.TrimSpace(data)

	var reply apiReply
	if err := json.Unmarshal(data, &reply); err == nil {
		return reply, nil
	}

	fixed := bytes.ReplaceAll(data, []byte("}{"), []byte("},{"))
	var reply2 apiReply
	if err := json.Unmarshal(fixed, &reply2); err != nil {
		return nil, err
	}
	return reply2, nil
}

// statusErr returns a non-nil error when the reply carries an API-level
// error status ("E").
func (r apiReply) statusErr() error {
	raw, ok := r["STATUS"]
	if !ok {
		return nil
	}
	var statuses []apiStatus
	if err := json.Unmarshal(raw, &statuses); err != nil || len(statuses) == 0 {
		return nil
	}
	if statuses[0].Status == "E" {
		return &apiError{msg: statuses[0].Msg}
	}
	return nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return "api error: " + e.msg }

// section extracts a named reply section as loosely-typed records, since
// field sets differ wildly between firmwares.
func (r apiReply) section(name string) []map[string]json.RawMessage {
	raw, ok := r[name]
	if !ok {
		return nil
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	return records
}

// Snapshot identifies the device at addr and builds a status snapshot from
// the "version", "summary", and "stats" commands. A device that answers
// "version" is treated as a miner even if later commands fail.
func (c *Client) Snapshot(ctx context.Context, addr netip.Addr) (*models.Miner, error) {
	ver, err := c.command(ctx, addr, "version")
	if err != nil {
		return nil, err
	}
	if serr := ver.statusErr(); serr != nil {
		return nil, &ProbeError{Addr: addr, Op: "version", Err: serr}
	}

	m := &models.Miner{
		IP:           addr.String(),
		Make:         models.MakeUnknown,
		Firmware:     models.FirmwareUnknown,
		DiscoveredAt: time.Now().UTC(),
	}

	verSec := firstSection(ver, "VERSION")
	applyVersion(m, verSec)

	if sum, err := c.command(ctx, addr, "summary"); err == nil {
		applySummary(m, firstSection(sum, "SUMMARY"))
	} else {
		c.logger.Debug("summary command failed", zap.String("ip", m.IP), zap.Error(err))
	}

	if stats, err := c.command(ctx, addr, "stats"); err == nil {
		applyStats(m, stats.section("STATS"))
	}

	if m.ID == "" {
		m.ID = string(m.Make) + "-" + m.IP
	}
	return m, nil
}

func firstSection(r apiReply, name string) map[string]json.RawMessage {
	records := r.section(name)
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

func applyVersion(m *models.Miner, sec map[string]json.RawMessage) {
	if sec == nil {
		return
	}

	// Model naming differs by vendor: Antminer reports "Type", Whatsminer
	// "Miner", Avalon "Model" or "PROD".
	for _, key := range []string{"Type", "Miner", "Model", "PROD"} {
		if v := str(sec, key); v != "" {
			m.Model = v
			break
		}
	}

	lower := strings.ToLower(m.Model)
	switch {
	case strings.Contains(lower, "antminer"):
		m.Make = models.MakeAntminer
	case strings.Contains(lower, "whatsminer") || strings.HasPrefix(lower, "m3") || strings.HasPrefix(lower, "m5"):
		m.Make = models.MakeWhatsminer
	case strings.Contains(lower, "avalon"):
		m.Make = models.MakeAvalon
	case strings.Contains(lower, "iceriver"):
		m.Make = models.MakeIceRiver
	case strings.Contains(lower, "bitaxe"):
		m.Make = models.MakeBitaxe
	}

	switch {
	case has(sec, "BOSminer") || has(sec, "BOSminer+") || has(sec, "BOS"):
		m.Firmware = models.FirmwareBraiins
		m.FirmwareVersion = str(sec, "BOSminer")
	case has(sec, "VNISH") || strings.Contains(strings.ToLower(str(sec, "CompileTime")), "vnish"):
		m.Firmware = models.FirmwareVnish
		m.FirmwareVersion = str(sec, "VNISH")
	case has(sec, "LUXminer"):
		m.Firmware = models.FirmwareLuxOS
		m.FirmwareVersion = str(sec, "LUXminer")
	case has(sec, "BMMiner"):
		m.Firmware = models.FirmwareStock
		m.FirmwareVersion = str(sec, "BMMiner")
	case has(sec, "CGMiner"):
		m.Firmware = models.FirmwareStock
		m.FirmwareVersion = str(sec, "CGMiner")
	}

	if mac := str(sec, "MAC"); mac != "" {
		m.MACAddress = mac
	}
	if id := str(sec, "MinerID"); id != "" {
		m.ID = id
	}
}

func applySummary(m *models.Miner, sec map[string]json.RawMessage) {
	if sec == nil {
		return
	}

	// Hashrate is reported in MHS by stock firmware and in GHS by some
	// aftermarket builds; normalize to THS.
	if v, ok := num(sec, "MHS 5s"); ok && v > 0 {
		m.HashrateTHS = v / 1e6
	} else if v, ok := num(sec, "MHS av"); ok && v > 0 {
		m.HashrateTHS = v / 1e6
	} else if v, ok := num(sec, "GHS 5s"); ok && v > 0 {
		m.HashrateTHS = v / 1e3
	} else if v, ok := num(sec, "GHS av"); ok && v > 0 {
		m.HashrateTHS = v / 1e3
	}

	if v, ok := num(sec, "Elapsed"); ok {
		m.UptimeSec = int64(v)
	}
	// Whatsminer reports a single board temperature in the summary.
	if v, ok := num(sec, "Temperature"); ok && v > m.TempC {
		m.TempC = v
	}
}

func applyStats(m *models.Miner, records []map[string]json.RawMessage) {
	for _, rec := range records {
		if id := str(rec, "serial_no"); id != "" {
			m.ID = id
		}
		if id := str(rec, "miner_id"); id != "" && m.ID == "" {
			m.ID = id
		}
		for key := range rec {
			lower := strings.ToLower(key)
			if strings.HasPrefix(lower, "temp") {
				if v, ok := num(rec, key); ok && v > m.TempC && v < 200 {
					m.TempC = v
				}
			}
			if strings.HasPrefix(lower, "fan") {
				if v, ok := num(rec, key); ok && int(v) > m.FanRPM && v < 20000 {
					m.FanRPM = int(v)
				}
			}
		}
	}
}

func has(sec map[string]json.RawMessage, key string) bool {
	_, ok := sec[key]
	return ok
}

// str extracts a string field, tolerating numeric encodings.
func str(sec map[string]json.RawMessage, key string) string {
	raw, ok := sec[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// num extracts a numeric field, tolerating string encodings ("GHS 5s" is a
// quoted string on several firmwares).
func num(sec map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := sec[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// CGMinerProber probes addresses over the CGMiner API and applies the
// group filter to identified devices.
type CGMinerProber struct {
	client *Client
}

// Compile-time interface guard.
var _ Prober = (*CGMinerProber)(nil)

// NewCGMinerProber creates a Prober backed by the given client.
func NewCGMinerProber(client *Client) *CGMinerProber {
	return &CGMinerProber{client: client}
}

// Probe identifies the device at addr. It returns ErrFiltered when a device
// answered but fails the allow-list, and *ProbeError for network failures.
func (p *CGMinerProber) Probe(ctx context.Context, addr netip.Addr, filter models.Filter) (*models.Miner, error) {
	m, err := p.client.Snapshot(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !filter.Match(m) {
		return nil, ErrFiltered
	}
	return m, nil
}
