// Example LSS master CLI: connects to a CAN interface, fastscans for
// one unconfigured slave, assigns it a node-id, optionally sets a bit
// rate, and commits the result to the slave's non-volatile storage.
package main

import (
	"flag"
	"time"

	log "github.com/sirupsen/logrus"

	can "github.com/canopen-lss/lssmaster/pkg/can"
	_ "github.com/canopen-lss/lssmaster/pkg/can/socketcan"
	_ "github.com/canopen-lss/lssmaster/pkg/can/virtual"
	"github.com/canopen-lss/lssmaster/pkg/lssconfig"
	"github.com/canopen-lss/lssmaster/pkg/lssmaster"
)

var (
	canInterface = flag.String("i", "socketcan", "CAN backend: socketcan or virtual")
	channel      = flag.String("c", "can0", "CAN channel name")
	nodeId       = flag.Uint("node", 0x20, "node-id to assign to the discovered slave")
	bitrate      = flag.Int("bitrate", 0, "bit rate in kbit/s to configure, 0 to leave unchanged")
	configPath   = flag.String("config", "", "optional lssconfig INI file")
)

func main() {
	log.SetLevel(log.DebugLevel)
	flag.Parse()

	cfg, err := lssconfig.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("[lssmaster] failed to load config")
	}
	for kbit, idx := range cfg.BitTiming {
		lssmaster.RegisterBitTiming(kbit, idx)
	}

	bus, err := can.NewBus(*canInterface, *channel)
	if err != nil {
		log.WithError(err).Fatal("[lssmaster] failed to create bus")
	}
	if err := bus.Connect(); err != nil {
		log.WithError(err).Fatal("[lssmaster] failed to connect bus")
	}
	defer bus.Disconnect()

	session := &lssmaster.Session{}
	err = session.Init(bus, cfg.TimeoutMs, cfg.MasterCanId, cfg.SlaveCanId, log.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("[lssmaster] failed to init session")
	}

	io := &lssmaster.FastscanIO{}
	pollUntilFinal(func(deltaUs uint32) lssmaster.Status {
		return session.IdentifyFastscan(deltaUs, io)
	})

	log.WithField("address", io.Found).Info("[lssmaster] fastscan identified a slave")

	status := pollUntilFinal(func(deltaUs uint32) lssmaster.Status {
		return session.ConfigureNodeId(deltaUs, uint8(*nodeId))
	})
	log.WithField("status", status).Info("[lssmaster] configured node-id")

	if *bitrate != 0 {
		status = pollUntilFinal(func(deltaUs uint32) lssmaster.Status {
			return session.ConfigureBitTiming(deltaUs, *bitrate)
		})
		log.WithField("status", status).Info("[lssmaster] configured bit timing")
	}

	status = pollUntilFinal(func(deltaUs uint32) lssmaster.Status {
		return session.ConfigureStore(deltaUs)
	})
	log.WithField("status", status).Info("[lssmaster] stored configuration")

	session.Deselect()
}

// pollUntilFinal drives a confirmed service to completion on a fixed
// 10ms host tick, standing in for whatever scheduler the embedding
// application actually uses.
func pollUntilFinal(step func(deltaUs uint32) lssmaster.Status) lssmaster.Status {
	const tick = 10 * time.Millisecond
	last := time.Now()
	for {
		time.Sleep(tick)
		now := time.Now()
		deltaUs := uint32(now.Sub(last) / time.Microsecond)
		last = now
		if status := step(deltaUs); status.IsFinal() {
			return status
		}
	}
}
