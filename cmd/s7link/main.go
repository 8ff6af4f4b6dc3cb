// s7link - S7 PLC Gateway
//
// Polls Siemens S7 PLCs over ISO-on-TCP and republishes tag values via
// REST API, MQTT, Valkey and Kafka. Writes arrive through the same sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"s7link/api"
	"s7link/config"
	"s7link/kafka"
	"s7link/logging"
	"s7link/mqtt"
	"s7link/plcman"
	"s7link/s7"
	"s7link/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// sinkWriteTimeout bounds a write arriving from MQTT, Valkey or Kafka.
const sinkWriteTimeout = 5 * time.Second

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	debugLog    = flag.String("debug-log", "", "Write protocol debug logging to this file")
	debugFilter = flag.String("debug-filter", "", "Comma-separated debug tags (default all)")
	discover    = flag.String("discover", "", "Scan a CIDR subnet for S7 PLCs and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("s7link %s\n", Version)
		os.Exit(0)
	}

	if *debugLog != "" {
		logger, err := logging.NewDebugLogger(*debugLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			if unknown := logger.SetFilter(*debugFilter); len(unknown) > 0 {
				fmt.Fprintf(os.Stderr, "Warning: unknown debug tags %v (known: %v)\n", unknown, logging.KnownProtocols())
			}
			logging.SetGlobalDebugLogger(logger)
			defer logger.Close()
		}
	}

	if *discover != "" {
		runDiscovery(*discover)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Override web config from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

// runDiscovery probes every host of a subnet and prints the PLCs that
// completed the ISO connect and PDU negotiation.
func runDiscovery(cidr string) {
	fmt.Printf("Scanning %s for S7 PLCs...\n", cidr)
	devices, err := s7.DiscoverSubnet(cidr, 500*time.Millisecond, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No PLCs found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %-15s rack %d slot %d  PDU %d  %s\n", d.IP, d.Rack, d.Slot, d.PDUSize, d.ProductName)
	}
}

func run(cfg *config.Config) {
	manager := plcman.NewManager(cfg.PollRate)
	if err := manager.LoadFromConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var eventLog *logging.EventLog
	if cfg.EventLog != "" {
		var err error
		eventLog, err = logging.NewEventLog(cfg.EventLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open event log: %v\n", err)
		} else {
			manager.SetEventLog(eventLog)
		}
	}

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	valkeyMgr := valkey.NewManager(cfg.Namespace)
	valkeyMgr.LoadFromConfig(cfg.Valkey)

	kafkaMgr := kafka.NewManager()
	kafkaConfigs := make([]kafka.Config, 0, len(cfg.Kafka))
	for i := range cfg.Kafka {
		kafkaConfigs = append(kafkaConfigs, kafka.FromConfig(&cfg.Kafka[i], cfg.Namespace))
	}
	kafkaMgr.LoadFromConfigs(kafkaConfigs)

	setupValueChangeHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr)
	setupWriteHandlers(cfg, manager, mqttMgr, valkeyMgr, kafkaMgr)
	setupHealthPublishing(manager, valkeyMgr, kafkaMgr)

	plcNames := make([]string, len(cfg.PLCs))
	for i, plc := range cfg.PLCs {
		plcNames[i] = plc.Name
	}
	mqttMgr.SetPLCNames(plcNames)

	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAllValues(manager, mqttMgr, valkeyMgr, kafkaMgr, false, true, false)
	})

	manager.Start()

	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(manager, &cfg.Web)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST API on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			apiServer = nil
		} else {
			fmt.Printf("REST API at %s\n", apiServer.Address())
		}
	}

	manager.ConnectEnabled()

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllValues(manager, mqttMgr, valkeyMgr, kafkaMgr, true, false, false)
		}
	}()
	go valkeyMgr.StartAll()
	go kafkaMgr.ConnectEnabled()

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if apiServer != nil {
			apiServer.Stop()
		}
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		manager.Stop()
		manager.DisconnectAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "Shutdown timed out")
	}

	if eventLog != nil {
		eventLog.Close()
	}
	fmt.Println("Stopped")
}

// forcePublishAllValues republishes the cached values to the selected sinks,
// typically after a sink (re)connects.
func forcePublishAllValues(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, toMQTT, toValkey, toKafka bool) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("plcman", "force publishing %d values (mqtt=%v valkey=%v kafka=%v)", len(values), toMQTT, toValkey, toKafka)
	for _, v := range values {
		if toMQTT {
			mqttMgr.Publish(v.PLCName, v.TagName, v.Address, v.TypeName, v.Value, v.Writable, true)
		}
		if toValkey {
			valkeyMgr.Publish(v.PLCName, v.TagName, v.Address, v.TypeName, v.Value, v.Writable)
		}
		if toKafka {
			kafkaMgr.Publish(v.PLCName, v.TagName, v.Address, v.TypeName, v.Value, v.Writable, true)
		}
	}
}

// setupValueChangeHandlers fans polled changes out to every running sink.
func setupValueChangeHandlers(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	manager.SetOnValueChange(func(changes []plcman.ValueChange) {
		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()

		logging.DebugLog("plcman", "OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changes), mqttRunning, valkeyRunning, kafkaPublishing)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]plcman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					mqttMgr.Publish(c.PLCName, c.TagName, c.Address, c.TypeName, c.Value, c.Writable, true)
				}
			}()
		}
		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					valkeyMgr.Publish(c.PLCName, c.TagName, c.Address, c.TypeName, c.Value, c.Writable)
				}
			}()
		}
		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					kafkaMgr.Publish(c.PLCName, c.TagName, c.Address, c.TypeName, c.Value, c.Writable, true)
				}
			}()
		}
	})
}

// setupWriteHandlers routes sink write requests to the PLC manager.
func setupWriteHandlers(cfg *config.Config, manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	writeHandler := func(plcName, tagName string, value interface{}) error {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		defer cancel()
		return manager.WriteTag(ctx, plcName, tagName, value)
	}

	writeValidator := func(plcName, tagName string) bool {
		plcCfg := cfg.FindPLC(plcName)
		return plcCfg != nil && plcCfg.IsWritable(tagName)
	}

	tagTypeLookup := func(plcName, tagName string) string {
		plc := manager.GetPLC(plcName)
		if plc == nil {
			return ""
		}
		if v, ok := plc.GetValues()[tagName]; ok {
			return v.TypeName
		}
		return ""
	}

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)
	mqttMgr.SetTagTypeLookup(tagTypeLookup)

	valkeyMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteValidator(writeValidator)

	kafkaMgr.SetWriteHandler(writeHandler)
	kafkaMgr.SetWriteValidator(writeValidator)
}

// setupHealthPublishing publishes PLC health on every status change and
// every 10 seconds.
func setupHealthPublishing(manager *plcman.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	publishAll := func() {
		for _, plc := range manager.ListPLCs() {
			info := plc.GetInfo()
			online := plc.GetStatus() == plcman.StatusConnected
			valkeyMgr.PublishHealth(info.Name, online, info.Status, info.Error)
			kafkaMgr.PublishHealth(info.Name, online, info.Status, info.Error)
		}
	}

	manager.AddOnChangeListener(publishAll)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			publishAll()
		}
	}()
}
