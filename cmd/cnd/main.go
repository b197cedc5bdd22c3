package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comit-network/cnd/internal/config"
	"github.com/comit-network/cnd/internal/core/application"
	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/internal/infrastructure/bitcoin"
	"github.com/comit-network/cnd/internal/infrastructure/db"
	"github.com/comit-network/cnd/internal/infrastructure/ethereum"
	"github.com/comit-network/cnd/internal/infrastructure/lnd"
	"github.com/comit-network/cnd/internal/infrastructure/peer"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cnd",
		Short: "COMIT network daemon, executes atomic swaps across chains",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.AddCommand(eventsCmd(), ordersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon() {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))
	log.Info("starting cnd...")

	repoMgr, err := openRepos(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	adapters, lnSvc, err := buildAdapters(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to set up ledger adapters")
	}

	transport := peer.NewTransport(peer.Config{ListenAddrs: cfg.NetworkListen})

	appSvc, err := application.NewService(
		application.BuildInfo{Version: version, Commit: commit, Date: date},
		applicationConfig(cfg),
		repoMgr,
		adapters,
		transport,
		lnSvc,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to build swap service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := appSvc.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start swap service")
	}

	log.RegisterExitHandler(appSvc.Stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down...")
	appSvc.Stop()
	log.Exit(0)
}

func openRepos(cfg *config.Config) (ports.RepoManager, error) {
	switch cfg.DbType {
	case "badger":
		return db.NewService(db.ServiceConfig{
			DbType:   "badger",
			DbConfig: []any{cfg.Datadir, log.New()},
		})
	default:
		return db.NewService(db.ServiceConfig{
			DbType:   "sqlite",
			DbConfig: []any{cfg.DatabasePath},
		})
	}
}

func buildAdapters(cfg *config.Config) ([]ports.LedgerAdapter, ports.LnService, error) {
	var adapters []ports.LedgerAdapter
	var lnSvc ports.LnService

	if cfg.BitcoinNodeURL != "" {
		btcSvc, err := bitcoin.NewService(bitcoin.Config{
			NodeURL:       cfg.BitcoinNodeURL,
			Network:       bitcoin.Network(cfg.BitcoinNetwork),
			FinalityDepth: cfg.FinalityBitcoin,
		})
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, btcSvc)
	}

	if cfg.EthereumNodeURL != "" {
		ethSvc, err := ethereum.NewService(ethereum.Config{
			NodeURL:       cfg.EthereumNodeURL,
			FinalityDepth: cfg.FinalityEthereum,
		})
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, ethSvc)
	}

	if cfg.LightningNode != "" {
		lnSvc = lnd.NewService(lnd.Config{
			Host:         cfg.LightningNode,
			TLSCertPath:  cfg.LightningCert,
			MacaroonPath: cfg.LightningMacaroon,
		})
		if err := lnSvc.Connect(context.Background()); err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, lnd.NewAdapter(lnSvc))
	}

	return adapters, lnSvc, nil
}

func applicationConfig(cfg *config.Config) application.Config {
	appCfg := application.Config{
		LocalName:    cfg.LocalName,
		ManualAccept: cfg.ManualAccept,
		Seed:         cfg.Seed,
		Identities: application.Identities{
			Bitcoin:   cfg.BitcoinIdentity,
			Ethereum:  cfg.EthereumIdentity,
			Lightning: cfg.LightningIdentity,
		},
		PeerAddrs: cfg.Peers,
	}
	appCfg.ExpiryPolicy.PeriodToAct = cfg.PeriodToAct
	for _, m := range cfg.Markets {
		appCfg.Markets = append(appCfg.Markets, marketFromConfig(m))
	}
	return appCfg
}
