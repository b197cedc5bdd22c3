package db

import (
	"fmt"
	"strings"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/internal/core/ports"
	badgerdb "github.com/comit-network/cnd/internal/infrastructure/db/badger"
	sqlitedb "github.com/comit-network/cnd/internal/infrastructure/db/sqlite"
	"github.com/dgraph-io/badger/v4"
)

var allowedTypes = strings.Join([]string{"sqlite", "badger"}, ",")

type ServiceConfig struct {
	DbType   string
	DbConfig []any
}

type service struct {
	swapRepo  domain.SwapRepository
	eventRepo domain.EventRepository
	orderRepo domain.OrderRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		swapRepo  domain.SwapRepository
		eventRepo domain.EventRepository
		orderRepo domain.OrderRepository
		err       error
	)
	switch config.DbType {
	case "sqlite":
		if len(config.DbConfig) != 1 {
			return nil, fmt.Errorf("sqlite db config must have 1 element, got %d", len(config.DbConfig))
		}
		dbPath, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid db path")
		}
		dbFile, err := sqlitedb.OpenDb(dbPath)
		if err != nil {
			return nil, err
		}
		swapRepo, err = sqlitedb.NewSwapRepository(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open swap db: %s", err)
		}
		eventRepo, err = sqlitedb.NewEventRepository(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open event db: %s", err)
		}
		orderRepo, err = sqlitedb.NewOrderRepository(dbFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open order db: %s", err)
		}
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		swapRepo, err = badgerdb.NewSwapRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open swap db: %s", err)
		}
		eventRepo, err = badgerdb.NewEventRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event db: %s", err)
		}
		orderRepo, err = badgerdb.NewOrderRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open order db: %s", err)
		}
	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{
		swapRepo:  swapRepo,
		eventRepo: eventRepo,
		orderRepo: orderRepo,
	}, nil
}

func (s *service) Swaps() domain.SwapRepository {
	return s.swapRepo
}

func (s *service) Events() domain.EventRepository {
	return s.eventRepo
}

func (s *service) Orders() domain.OrderRepository {
	return s.orderRepo
}

func (s *service) Close() {
	s.swapRepo.Close()
	s.eventRepo.Close()
	s.orderRepo.Close()
}
