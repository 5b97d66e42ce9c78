package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/MWhitburn/fleetscan/pkg/models"
)

// NewMiner returns a Miner with sensible defaults, suitable for test fixtures.
// Override individual fields after creation as needed.
func NewMiner(opts ...func(*models.Miner)) *models.Miner {
	m := &models.Miner{
		ID:              uuid.New().String(),
		IP:              "10.0.0.100",
		MACAddress:      "00:11:22:33:44:55",
		Make:            models.MakeAntminer,
		Model:           "Antminer S19 Pro",
		Firmware:        models.FirmwareStock,
		FirmwareVersion: "4.11.1",
		HashrateTHS:     110.0,
		TempC:           64,
		FanRPM:          5280,
		UptimeSec:       86400,
		DiscoveredAt:    time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithIP sets the miner's IP address.
func WithIP(ip string) func(*models.Miner) {
	return func(m *models.Miner) { m.IP = ip }
}

// WithMake sets the miner's make.
func WithMake(mk models.MinerMake) func(*models.Miner) {
	return func(m *models.Miner) { m.Make = mk }
}

// WithFirmware sets the miner's firmware family.
func WithFirmware(fw models.MinerFirmware) func(*models.Miner) {
	return func(m *models.Miner) { m.Firmware = fw }
}

// WithHashrate sets the miner's hashrate in TH/s.
func WithHashrate(ths float64) func(*models.Miner) {
	return func(m *models.Miner) { m.HashrateTHS = ths }
}

// WithID sets the miner's stable identifier.
func WithID(id string) func(*models.Miner) {
	return func(m *models.Miner) { m.ID = id }
}
