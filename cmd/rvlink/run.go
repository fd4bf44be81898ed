package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	goble "github.com/srg/rvlink/internal/device/go-ble"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
	"github.com/srg/rvlink/internal/sink"
	"github.com/srg/rvlink/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Connects to every configured peripheral and bridges it to MQTT until
interrupted. Lost links are reconnected with exponential backoff.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var runConfigPath string

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "/etc/rvlink/config.yaml", "Path to the YAML config file")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	peripherals, err := buildPeripherals(cfg)
	if err != nil {
		return err
	}

	// Arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	names, err := entity.OpenNameCache(cfg.CachePath)
	if err != nil {
		return err
	}

	topics := sink.Topics{Namespace: cfg.MQTT.Namespace, DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix}
	mq := sink.NewMQTTSink(sink.MQTTOptions{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            byte(cfg.MQTT.QoS),
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		Topics:         topics,
	}, logger)
	if err := mq.Connect(cfg.MQTT.ConnectTimeout); err != nil {
		return err
	}
	defer mq.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"peripherals": len(peripherals),
		"cache":       names.Path(),
		"version":     formatVersion(version),
	}).Info("Bridge starting")

	mgr := session.NewManager(session.ManagerOptions{
		Transport: goble.NewBLETransport(logger),
		Sink:      mq,
		Topics:    topics,
		Names:     names,
		Logger:    logger,
		Watchdog: session.WatchdogOptions{
			Period:      cfg.Watchdog.Period,
			ZombieAfter: cfg.Watchdog.ZombieAfter,
			StaleAfter:  cfg.Watchdog.StaleAfter,
		},
		Backoff: session.Backoff{Initial: cfg.Reconnect.Initial, Max: cfg.Reconnect.Max},
	})
	mgr.Run(ctx, peripherals)

	logger.Info("Bridge stopped")
	return nil
}
