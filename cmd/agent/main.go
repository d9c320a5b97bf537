package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"drowsyguard/internal/agent"
	"drowsyguard/internal/config"
	"drowsyguard/internal/detect"
	"drowsyguard/internal/mqttsource"
	"drowsyguard/internal/notify"
	"drowsyguard/internal/telemetry"
)

func main() {
	deviceID := flag.String("device-id", "", "device id (overrides DEVICE_ID)")
	flag.Parse()

	cfg := config.LoadConfig()
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if cfg.DeviceID == "" {
		log.Fatal("DEVICE_ID is required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = cfg.DeviceID
	}

	log.Println("Starting edge agent...")
	log.Printf("Device: %s (%s)", cfg.DeviceID, cfg.DeviceName)
	log.Printf("MQTT broker: %s, topic: %s", cfg.MQTTBroker, cfg.MQTTTopic)
	log.Printf("Cloud: %s", cfg.CloudURL)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	telem := telemetry.New(cfg.CloudURL, cfg.DeviceID, cfg.DeviceName, cfg.DeviceAPIKey, telemetry.Options{
		QueueDepth: cfg.AlertQueueDepth,
		Heartbeat:  cfg.Heartbeat,
	})
	telem.Start()

	var sink notify.Sink = notify.NopSink{}
	if cfg.TelegramBotToken != "" && len(cfg.TelegramChatIDs) > 0 {
		sink = notify.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatIDs)
		log.Printf("Telegram notifications enabled for %d chats", len(cfg.TelegramChatIDs))
	} else {
		log.Println("Telegram not configured, notifications disabled")
	}

	var locator agent.Locator
	if cfg.LocationLookup {
		locator = agent.NewIPLocator()
	}

	a := agent.New(agent.Options{
		Thresholds: detect.Thresholds{
			EAR:              cfg.EARThreshold,
			MAR:              cfg.MARThreshold,
			BlinkMax:         cfg.BlinkMax,
			EmergencyAfter:   cfg.EmergencyAfter,
			YawnMin:          cfg.YawnMin,
			NoFaceReset:      cfg.NoFaceReset,
			YawnExcessCount:  cfg.YawnExcessCount,
			YawnExcessWindow: cfg.YawnExcessWindow,
		},
		StatsInterval: cfg.StatsInterval,
		AlertWindow:   cfg.AlertWindow,
		AlertMax:      cfg.AlertMaxPerWindow,
		DeviceName:    cfg.DeviceName,
	}, telem, sink, locator)

	source := mqttsource.New(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, a.HandleSample)
	if err := source.Start(); err != nil {
		log.Fatalf("Failed to start sample intake: %v", err)
	}

	log.Println("Agent running, waiting for samples")
	<-done
	log.Println("Shutting down...")

	source.Stop()
	telem.Stop()

	if n := source.Dropped(); n > 0 {
		log.Printf("Samples dropped on overload: %d", n)
	}
	if n := telem.DroppedAlerts(); n > 0 {
		log.Printf("Alerts dropped on overflow: %d", n)
	}
	log.Println("Goodbye!")
}
