package bitcoin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
)

const blockCacheSize = 32

// Config for the Bitcoin ledger adapter.
type Config struct {
	NodeURL       string
	Network       Network
	FinalityDepth uint64
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FinalityDepth == 0 {
		if c.Network == Regtest {
			c.FinalityDepth = 1
		} else {
			c.FinalityDepth = 6
		}
	}
	if c.PollInterval == 0 {
		if c.Network == Regtest {
			c.PollInterval = time.Second
		} else {
			c.PollInterval = 10 * time.Second
		}
	}
	return c
}

// Service watches the Bitcoin chain for all swaps through a single node
// connection. Blocks are fetched once and shared across subscriptions.
type Service struct {
	cfg    Config
	chain  *chaincfg.Params
	client *client

	mu        sync.Mutex
	cache     map[uint64]cachedBlock
	cacheOrder []uint64
}

type cachedBlock struct {
	hash  string
	block *wire.MsgBlock
}

func NewService(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	chain, err := cfg.Network.ChainParams()
	if err != nil {
		return nil, err
	}
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("bitcoin node url is required")
	}
	return &Service{
		cfg:    cfg,
		chain:  chain,
		client: newClient(cfg.NodeURL),
		cache:  make(map[uint64]cachedBlock),
	}, nil
}

// finalizedTip is the highest height the adapter is willing to look at:
// anything shallower than the finality depth may still reorg away and is
// absorbed by simply not reading it yet.
func (s *Service) finalizedTip(ctx context.Context) (uint64, error) {
	tip, err := s.client.blockCount(ctx)
	if err != nil {
		return 0, err
	}
	if tip < s.cfg.FinalityDepth {
		return 0, nil
	}
	return tip - s.cfg.FinalityDepth + 1, nil
}

// blockAt fetches the block at height, serving repeated requests from the
// cache so many subscriptions share one fetch.
func (s *Service) blockAt(ctx context.Context, height uint64) (string, *wire.MsgBlock, error) {
	s.mu.Lock()
	if cached, ok := s.cache[height]; ok {
		s.mu.Unlock()
		return cached.hash, cached.block, nil
	}
	s.mu.Unlock()

	hash, err := s.client.blockHash(ctx, height)
	if err != nil {
		return "", nil, err
	}
	block, err := s.client.block(ctx, hash)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.cache[height] = cachedBlock{hash, block}
	s.cacheOrder = append(s.cacheOrder, height)
	if len(s.cacheOrder) > blockCacheSize {
		delete(s.cache, s.cacheOrder[0])
		s.cacheOrder = s.cacheOrder[1:]
	}
	s.mu.Unlock()

	return hash, block, nil
}

// retry runs fn with exponential backoff until it succeeds or ctx ends.
// Transient node errors never surface to the swap.
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
		log.WithError(err).Warnf("bitcoin: %s failed, retrying in %s", what, backoff)
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
