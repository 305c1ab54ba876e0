package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blinknet/blinkd/src/crypto"
	"github.com/blinknet/blinkd/src/net"
	"github.com/blinknet/blinkd/src/quorumnet"
	"github.com/blinknet/blinkd/src/sn"
)

//NewRunCmd returns the command that starts a blinkd node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runBlinkd,
	}
	AddRunFlags(cmd)
	return cmd
}

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "trace, debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the quorum transport")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the quorum transport")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")

	// Chain
	cmd.Flags().Duration("block-interval", _config.BlockInterval, "Development chain height ticker interval")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Persist service node records in badgerDB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
}

func runBlinkd(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	// Identity keys are optional: without them the node runs remote-only,
	// able to submit blinks but holding no quorum duties.
	var keys *crypto.Keys
	keyfile := crypto.NewSimpleKeyfile(_config.Keyfile())
	if k, err := keyfile.ReadKeys(); err == nil {
		keys = k
	} else {
		logger.WithError(err).Warning("No identity key; running remote-only")
	}

	var store *sn.Store
	if _config.Store {
		s, err := sn.NewStore(_config.DatabaseDir)
		if err != nil {
			return fmt.Errorf("opening registry store: %s", err)
		}
		defer s.Close()
		store = s
	}

	registry, err := sn.NewRegistry(store, logger)
	if err != nil {
		return fmt.Errorf("loading registry: %s", err)
	}

	// Seed the registry from service_nodes.json if present.
	if nodes, err := sn.NewJSONServiceNodes(_config.DataDir).Read(); err == nil {
		for _, node := range nodes {
			if err := registry.Put(node); err != nil {
				return fmt.Errorf("seeding registry: %s", err)
			}
		}
		logger.WithField("count", len(nodes)).Info("Seeded registry from service_nodes.json")
	}

	var localPub crypto.X25519PubKey
	if keys != nil {
		localPub = keys.X25519Pub
	} else {
		// Remote-only nodes still need a transport identity.
		k, err := crypto.GenerateKeys()
		if err != nil {
			return err
		}
		localPub = k.X25519Pub
	}

	stream, err := net.NewTCPStreamLayer(_config.BindAddr, _config.AdvertiseAddr)
	if err != nil {
		return fmt.Errorf("binding transport: %s", err)
	}

	trans := net.NewNetTransport(
		localPub,
		stream,
		registry.IsServiceNode,
		registry.ConnectString,
		_config.TCPTimeout,
		logger,
	)

	// Development chain: the height advances on a timer. A production node
	// wires the real chain here instead.
	var height uint64 = sn.BlinkQuorumLag + sn.BlinkQuorumInterval
	heightFn := func() uint64 { return atomic.LoadUint64(&height) }

	quorums := sn.NewRegistryQuorumSource(registry)

	worker, err := quorumnet.New(quorumnet.Config{
		Keys:      keys,
		Transport: trans,
		Registry:  registry,
		Quorums:   quorums,
		Height:    heightFn,
		Mempool:   quorumnet.NewInmemMempool(nil),
		Votes:     quorumnet.NewInmemVotePool(quorums),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	trans.Listen()
	logger.WithFields(logrus.Fields{
		"listen": _config.BindAddr,
		"x25519": localPub,
	}).Info("Quorum transport listening")

	ticker := time.NewTicker(_config.BlockInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			worker.BlockAdded(atomic.AddUint64(&height, 1))
		case s := <-sigCh:
			logger.WithField("signal", s).Info("Shutting down")
			return nil
		}
	}
}

// loadConfig binds all flags and reads the config into viper
func loadConfig(cmd *cobra.Command, args []string) error {
	// Register flags with viper, from this command and all others.
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("blinkd")        // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search the data directory

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// If --datadir was explicitly set, but not --db, this updates the
	// default database dir to live inside the new datadir.
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"BindAddr":      _config.BindAddr,
		"AdvertiseAddr": _config.AdvertiseAddr,
		"LogLevel":      _config.LogLevel,
		"Moniker":       _config.Moniker,
		"TCPTimeout":    _config.TCPTimeout,
		"BlockInterval": _config.BlockInterval,
		"Store":         _config.Store,
		"DatabaseDir":   _config.DatabaseDir,
	}).Debug("RUN")

	return nil
}
