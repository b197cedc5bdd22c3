package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
)

const blockCacheSize = 64

type Config struct {
	NodeURL       string
	FinalityDepth uint64
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FinalityDepth == 0 {
		c.FinalityDepth = 30
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Service watches the Ethereum chain for all swaps through one client
// connection.
type Service struct {
	cfg    Config
	client *ethclient.Client

	mu         sync.Mutex
	cache      map[uint64]*types.Block
	cacheOrder []uint64
}

func NewService(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("ethereum node url is required")
	}
	client, err := ethclient.Dial(cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum node: %s", err)
	}
	return &Service{
		cfg:    cfg,
		client: client,
		cache:  make(map[uint64]*types.Block),
	}, nil
}

func (s *Service) Ledger() htlc.Ledger {
	return htlc.LedgerEthereum
}

// Tick reports the latest block's timestamp; Ethereum expiries are absolute
// unix seconds.
func (s *Service) Tick(ctx context.Context) (uint64, error) {
	var ts uint64
	err := retry(ctx, "header by number", func() error {
		header, err := s.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		ts = header.Time
		return nil
	})
	return ts, err
}

// Height reports the latest block number, the unit watchers scan in.
func (s *Service) Height(ctx context.Context) (uint64, error) {
	var height uint64
	err := retry(ctx, "block number", func() error {
		var err error
		height, err = s.client.BlockNumber(ctx)
		return err
	})
	return height, err
}

func (s *Service) finalizedTip(ctx context.Context) (uint64, error) {
	tip, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if tip < s.cfg.FinalityDepth {
		return 0, nil
	}
	return tip - s.cfg.FinalityDepth + 1, nil
}

func (s *Service) blockAt(ctx context.Context, height uint64) (*types.Block, error) {
	s.mu.Lock()
	if block, ok := s.cache[height]; ok {
		s.mu.Unlock()
		return block, nil
	}
	s.mu.Unlock()

	block, err := s.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[height] = block
	s.cacheOrder = append(s.cacheOrder, height)
	if len(s.cacheOrder) > blockCacheSize {
		delete(s.cache, s.cacheOrder[0])
		s.cacheOrder = s.cacheOrder[1:]
	}
	s.mu.Unlock()

	return block, nil
}

func retry(ctx context.Context, what string, fn func() error) error {
	backoff := time.Second
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warnf("ethereum: %s failed, retrying in %s", what, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
	}
}

var _ ports.LedgerAdapter = (*Service)(nil)
