// Package lssconfig loads LSS master configuration (CAN identifiers,
// reply timeout, bit-timing table overrides) from an INI file, in the
// same style the rest of the pack reads EDS/INI network configuration.
package lssconfig

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Config holds the values a Session.Init call needs plus the
// bit-timing overrides a deployment may want to supply instead of the
// DSP-305 defaults.
type Config struct {
	MasterCanId uint32
	SlaveCanId  uint32
	TimeoutMs   uint16

	// BitTiming maps a bit rate in kbit/s to its DSP-305 table index,
	// overriding or extending the built-in table.
	BitTiming map[int]byte
}

// Default values used when the [lss] section omits a key, matching the
// CiA-305 defaults baked into the lssmaster package.
const (
	defaultMasterCanId = 0x7E5
	defaultSlaveCanId  = 0x7E4
	defaultTimeoutMs   = 1000
)

// Load reads an LSS master configuration file. A [lss] section supplies
// MasterCanId, SlaveCanId and TimeoutMs; an optional [bittiming]
// section supplies additional "kbit = tableIndex" overrides. Missing
// keys and a missing file both fall back to CiA defaults with no
// bit-timing overrides, matching how the rest of the pack treats an
// absent EDS as "use the built-in object dictionary".
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		MasterCanId: defaultMasterCanId,
		SlaveCanId:  defaultSlaveCanId,
		TimeoutMs:   defaultTimeoutMs,
		BitTiming:   map[int]byte{},
	}

	file, err := ini.Load(filePath)
	if err != nil {
		log.WithError(err).Warn("[lssconfig] no config file, using CiA defaults")
		return cfg, nil
	}

	if lss := file.Section("lss"); lss != nil {
		cfg.MasterCanId = uint32(lss.Key("MasterCanId").MustUint(defaultMasterCanId))
		cfg.SlaveCanId = uint32(lss.Key("SlaveCanId").MustUint(defaultSlaveCanId))
		cfg.TimeoutMs = uint16(lss.Key("TimeoutMs").MustUint(defaultTimeoutMs))
	}

	if bt := file.Section("bittiming"); bt != nil {
		for _, key := range bt.Keys() {
			kbit, err := strconv.Atoi(key.Name())
			if err != nil {
				return nil, fmt.Errorf("[lssconfig] bittiming key %q: %w", key.Name(), err)
			}
			idx, err := key.Int()
			if err != nil {
				return nil, fmt.Errorf("[lssconfig] bittiming value for %q: %w", key.Name(), err)
			}
			cfg.BitTiming[kbit] = byte(idx)
		}
	}

	log.WithFields(log.Fields{
		"masterCanId": cfg.MasterCanId,
		"slaveCanId":  cfg.SlaveCanId,
		"timeoutMs":   cfg.TimeoutMs,
	}).Debug("[lssconfig] loaded configuration")

	return cfg, nil
}
