package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/comit-network/cnd/internal/config"
	"github.com/comit-network/cnd/internal/core/application"
	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/orderbook"
)

// eventsCmd dumps the committed event log of one swap.
func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <swap-id>",
		Short: "Dump the event log of a swap",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			swapID, err := uuid.Parse(args[0])
			if err != nil {
				log.WithError(err).Fatal("invalid swap id")
			}

			repoMgr := mustOpenRepos()
			defer repoMgr.Close()

			events, err := repoMgr.Events().List(context.Background(), swapID)
			if err != nil {
				log.WithError(err).Fatal("failed to read events")
			}

			for _, ev := range events {
				payload, err := ev.DecodePayload()
				if err != nil {
					log.WithError(err).Fatal("corrupt event payload")
				}
				line := map[string]any{
					"seq":        ev.Seq,
					"kind":       ev.Kind,
					"created_at": ev.CreatedAt,
				}
				if payload.Side != "" {
					line["side"] = payload.Side
				}
				if payload.TxID != "" {
					line["tx_id"] = payload.TxID
					line["height"] = payload.Height
				}
				if payload.Amount != "" {
					line["amount"] = payload.Amount
				}
				if payload.Final != "" {
					line["final"] = payload.Final
				}
				if payload.Reason != "" {
					line["reason"] = payload.Reason
				}
				out, _ := json.Marshal(line)
				fmt.Println(string(out))
			}
		},
	}
}

// ordersCmd lists the open orders from the book snapshot.
func ordersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "List open orders",
		Run: func(cmd *cobra.Command, args []string) {
			repoMgr := mustOpenRepos()
			defer repoMgr.Close()

			orders, err := repoMgr.Orders().GetAll(context.Background())
			if err != nil {
				log.WithError(err).Fatal("failed to read orders")
			}

			for _, o := range orders {
				fmt.Printf("%s  %-4s %s %s @ %s (%s)\n",
					o.ID, o.Position, o.Pair, o.Quantity, o.Price, o.Maker)
			}
		},
	}
}

func mustOpenRepos() ports.RepoManager {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	repoMgr, err := openRepos(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}
	return repoMgr
}

func marketFromConfig(m config.MarketConfig) application.Market {
	return application.Market{
		Pair:        orderbook.Pair{Base: m.Base, Quote: m.Quote},
		BaseLedger:  htlc.Ledger(m.BaseLedger),
		BaseKind:    htlc.AssetKind(m.BaseAsset),
		QuoteLedger: htlc.Ledger(m.QuoteLedger),
		QuoteKind:   htlc.AssetKind(m.QuoteAsset),
		QuoteToken:  m.QuoteToken,
	}
}

func init() {
	// fatal startup errors exit non-zero through logrus
	log.SetOutput(os.Stderr)
}
