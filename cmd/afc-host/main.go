// afc-host runs the automated filament changer routing host.
// It loads the unit calibration, wires the selector, drive and
// tension assist controllers to the hardware layer, and serves the
// status API for frontends.
//
// Usage:
//
//	afc-host -config ~/afc.cfg [options]
//
// Options:
//
//	-config string   Unit configuration file (required)
//	-addr string     Status API listen address (default ":7188")
//	-loglevel string Log level: debug, info, warn, error (default "info")
//	-logjson         Emit JSON log lines
//	-sim             Use the simulated hardware family
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"afc-go/pkg/assist"
	"afc-go/pkg/config"
	"afc-go/pkg/drive"
	"afc-go/pkg/hardware"
	"afc-go/pkg/lane"
	"afc-go/pkg/log"
	"afc-go/pkg/metrics"
	"afc-go/pkg/reactor"
	"afc-go/pkg/routing"
	"afc-go/pkg/selector"
	"afc-go/pkg/status"
)

// runoutCheckInterval is the period of the presence reconciliation
// timer, in reactor seconds.
const runoutCheckInterval = 2.0

func main() {
	configFile := flag.String("config", "", "Unit configuration file (required)")
	addr := flag.String("addr", ":7188", "Status API listen address")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logJSON := flag.Bool("logjson", false, "Emit JSON log lines")
	sim := flag.Bool("sim", false, "Use the simulated hardware family")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("afc")
	logger.SetLevel(log.ParseLevel(*logLevel))
	if *logJSON {
		logger.SetFormat(log.FormatJSON)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("loading config: %v", err)
		os.Exit(1)
	}
	uc, err := config.LoadUnit(cfg)
	if err != nil {
		logger.Error("loading unit calibration: %v", err)
		os.Exit(1)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		logger.Error("config check: %v", err)
		os.Exit(1)
	}

	logger.InfoWith("unit configured", log.Fields{
		"name": uc.Name, "lanes": uc.LaneCount, "bowden_length": uc.BowdenLength,
	})

	if !*sim {
		// The MCU transport is provided by the motion-control layer;
		// only the simulated family ships with this binary.
		logger.Error("no hardware family selected, pass -sim for bench mode")
		os.Exit(1)
	}

	r := reactor.New()
	m := metrics.New()

	hw := buildSimHardware(uc, r)

	sel := selector.New(hw.selector, hw.selectorHome, selector.Config{
		Geometry: selector.Geometry{
			LaneCount:            uc.LaneCount,
			Lane1Offset:          uc.Lane1Offset,
			InterLaneSpacing:     uc.InterLaneSpacing,
			InterPositionSpacing: uc.InterPositionSpacing,
		},
		Profile:      hardware.SpeedProfile{Speed: uc.SelectorSpeed, Accel: uc.SelectorAccel},
		TravelMargin: uc.SelectorTravelMargin,
	}, logger.Component("selector"))

	drv := drive.New(hw.drive, hw.extruder, drive.Config{
		SegmentLength: uc.FeedSegmentLength,
	}, logger.Component("drive"))

	modes := make([]lane.AssistMode, uc.LaneCount)
	for i, lc := range uc.Lanes {
		modes[i], _ = lane.ParseAssistMode(lc.AssistMode)
	}
	tracker := lane.NewTracker(modes)

	ast := assist.New(drv, sel, tracker, r.Monotonic, assist.Config{
		FeedLength:  uc.TensionFeedLength,
		Profile:     hardware.SpeedProfile{Speed: uc.TensionFeedSpeed, Accel: uc.TensionFeedAccel},
		MinInterval: uc.MinAssistInterval,
	}, logger.Component("assist"), m)

	orch := routing.New(routing.Params{
		Config:   routing.ConfigFromUnit(uc),
		Selector: sel,
		Drive:    drv,
		Tracker:  tracker,
		Assist:   ast,
		Sensors:  hw.sensors,
		Reactor:  r,
		Logger:   logger.Component("routing"),
		Metrics:  m,
	})

	srv := status.New(status.Config{
		Addr:     *addr,
		Source:   orch,
		Registry: m.Registry,
		Logger:   logger.Component("status"),
	})
	orch.SetNotifier(srv)

	r.Run()
	orch.Start()

	runoutTimer := r.RegisterTimer(func(eventtime float64) float64 {
		orch.CheckRunout()
		return eventtime + runoutCheckInterval
	}, r.Monotonic()+runoutCheckInterval)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("status server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("received %s, shutting down", s)

	r.UnregisterTimer(runoutTimer)
	srv.Stop()
	orch.Stop()
	r.End()
	r.Wait()
}

// simHardware bundles the simulated hardware family.
type simHardware struct {
	selector     *hardware.SimActuator
	selectorHome *hardware.SimSensor
	drive        *hardware.SimActuator
	extruder     *hardware.SimActuator
	sensors      routing.Sensors
}

// buildSimHardware wires a simulated unit. The selector home sensor
// trips at position zero so homing behaves like the real endstop.
func buildSimHardware(uc *config.UnitConfig, r *reactor.Reactor) *simHardware {
	hw := &simHardware{
		selector:     hardware.NewSimActuator("selector"),
		selectorHome: hardware.NewSimSensor("selector_home"),
		drive:        hardware.NewSimActuator("drive"),
		extruder:     hardware.NewSimActuator("extruder"),
	}
	hw.selectorHome.SetClock(r.Monotonic)
	hw.selectorHome.SetState(true)
	hw.selector.SetMoveHook(func(float64) {
		hw.selectorHome.SetState(hw.selector.Position() <= 0)
	})

	hub := hardware.NewSimSensor("hub")
	hub.SetClock(r.Monotonic)
	pre := hardware.NewSimSensor("toolhead_pre")
	pre.SetClock(r.Monotonic)

	hw.sensors = routing.Sensors{
		Hub:         hub,
		ToolheadPre: pre,
	}
	for i := 1; i <= uc.LaneCount; i++ {
		p := hardware.NewSimSensor(fmt.Sprintf("lane%d_presence", i))
		p.SetClock(r.Monotonic)
		t := hardware.NewSimSensor(fmt.Sprintf("lane%d_tension", i))
		t.SetClock(r.Monotonic)
		hw.sensors.Presence = append(hw.sensors.Presence, p)
		hw.sensors.Tension = append(hw.sensors.Tension, t)
	}
	return hw
}
