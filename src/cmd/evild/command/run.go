package command

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/oneevilcoin/evild/src/chain"
	"github.com/oneevilcoin/evild/src/common"
	"github.com/oneevilcoin/evild/src/config"
	"github.com/oneevilcoin/evild/src/crypto/keys"
	"github.com/oneevilcoin/evild/src/net"
	"github.com/oneevilcoin/evild/src/node"
	"github.com/oneevilcoin/evild/src/protocol"
	vers "github.com/oneevilcoin/evild/src/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	conf    *config.Config
	datadir *string
	version *bool
)

func init() {
	conf = config.NewDefaultConfig()

	cobra.OnInitialize(initConfig)

	// Base datadir
	datadir = rootCmd.PersistentFlags().StringP("datadir", "d", conf.DataDir, "Base configuration directory")

	// Listen and peer addresses
	rootCmd.PersistentFlags().StringP("listen", "l", conf.BindAddr, "Listen IP:Port for the p2p endpoint")
	rootCmd.PersistentFlags().String("advertise", conf.AdvertiseAddr, "Advertise IP:Port to other nodes")
	rootCmd.PersistentFlags().StringSlice("peers", conf.Peers, "Peers to dial at startup")

	// Various
	rootCmd.PersistentFlags().Bool("store", conf.Store, "Use badgerDB instead of in-mem DB")
	rootCmd.PersistentFlags().String("log", conf.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-to-file", conf.LogToFile, "Duplicate log output to a file in datadir")

	// Node configuration
	rootCmd.PersistentFlags().DurationP("timeout", "t", conf.TCPTimeout, "TCP timeout")
	rootCmd.PersistentFlags().Duration("idle-interval", conf.IdleInterval, "Period of core housekeeping")

	// Version
	version = rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version and exit")
}

func initConfig() {
	viper.AddConfigPath(*datadir)
	viper.SetConfigName("evild")

	viper.BindPFlags(rootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	if err := viper.Unmarshal(conf); err != nil {
		conf.Logger().Warn(err, ". Taking cli or default.")
	}

	conf.SetDataDir(*datadir)
}

var rootCmd = &cobra.Command{
	Use:   "evild",
	Short: "evild CryptoNote daemon",
	Long:  "evild CryptoNote daemon",
	Run: func(cmd *cobra.Command, args []string) {
		if *version {
			fmt.Println(vers.Version)

			return
		}

		logger := conf.Logger()

		logger.WithFields(logrus.Fields{
			"datadir":       conf.DataDir,
			"listen":        conf.BindAddr,
			"advertise":     conf.AdvertiseAddr,
			"peers":         conf.Peers,
			"store":         conf.Store,
			"log":           conf.LogLevel,
			"timeout":       conf.TCPTimeout,
			"idle-interval": conf.IdleInterval,
		}).Debug("RUN")

		key, err := loadOrCreateKey()
		if err != nil {
			logger.WithError(err).Error("Cannot load node key")

			return
		}

		peerID := common.Hash32(keys.PublicKeyBytes(&key.PublicKey))

		var store chain.Store
		if conf.Store {
			store, err = chain.LoadOrCreateBadgerStore(conf.DatabaseDir)
			if err != nil {
				logger.WithError(err).Error("Cannot open block store")

				return
			}
		} else {
			store = chain.NewInmemStore()
		}
		defer store.Close()

		core, err := chain.NewBlockchain(store, logger.WithField("prefix", "chain"))
		if err != nil {
			logger.WithError(err).Error("Cannot initialize blockchain")

			return
		}

		handler := protocol.NewHandler(core, logger.WithField("prefix", "protocol"))

		stream, err := net.NewTCPStreamLayer(conf.BindAddr, conf.AdvertiseAddr)
		if err != nil {
			logger.WithError(err).Error("Cannot bind p2p endpoint")

			return
		}

		trans := net.NewTCPTransport(stream, handler, peerID, conf.TCPTimeout, logger.WithField("prefix", "net"))

		n := node.NewNode(conf, core, handler, trans)

		if err := n.Init(); err != nil {
			logger.WithError(err).Error("Cannot initialize node")

			return
		}

		n.Run()
	},
}

func loadOrCreateKey() (*ecdsa.PrivateKey, error) {
	keyfile := keys.NewSimpleKeyfile(conf.Keyfile())

	key, err := keyfile.ReadKey()
	if err == nil {
		return key, nil
	}

	key, err = keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := keyfile.WriteKey(key); err != nil {
		return nil, err
	}

	return key, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)

		os.Exit(1)
	}
}
