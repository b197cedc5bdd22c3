package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/ybbus/jsonrpc/v3"
)

// Network selects the chain parameters used for address encoding and
// defaults.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", n)
	}
}

// client is a thin wrapper over the bitcoind JSON-RPC interface.
type client struct {
	rpc jsonrpc.RPCClient
}

func newClient(nodeURL string) *client {
	return &client{rpc: jsonrpc.NewClient(nodeURL)}
}

func (c *client) blockCount(ctx context.Context) (uint64, error) {
	res, err := c.rpc.Call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}
	if res.Error != nil {
		return 0, fmt.Errorf("getblockcount: %s", res.Error.Message)
	}
	count, err := res.GetInt()
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

func (c *client) blockHash(ctx context.Context, height uint64) (string, error) {
	res, err := c.rpc.Call(ctx, "getblockhash", height)
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", fmt.Errorf("getblockhash %d: %s", height, res.Error.Message)
	}
	return res.GetString()
}

// block fetches and deserialises a full block.
func (c *client) block(ctx context.Context, hash string) (*wire.MsgBlock, error) {
	res, err := c.rpc.Call(ctx, "getblock", hash, 0)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("getblock %s: %s", hash, res.Error.Message)
	}
	raw, err := res.GetString()
	if err != nil {
		return nil, err
	}
	blockBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block %s: %s", hash, err)
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return nil, fmt.Errorf("failed to deserialize block %s: %s", hash, err)
	}
	return &block, nil
}

// estimateFeeRate asks the node for a sat/kvB estimate; callers fall back to
// a fixed rate when the node has no data (fresh regtest).
func (c *client) estimateFeeRate(ctx context.Context, confTarget int) (float64, error) {
	res, err := c.rpc.Call(ctx, "estimatesmartfee", confTarget)
	if err != nil {
		return 0, err
	}
	if res.Error != nil {
		return 0, fmt.Errorf("estimatesmartfee: %s", res.Error.Message)
	}
	var out struct {
		FeeRate float64 `json:"feerate"`
	}
	if err := res.GetObject(&out); err != nil {
		return 0, err
	}
	if out.FeeRate <= 0 {
		return 0, fmt.Errorf("node returned no fee estimate")
	}
	// bitcoind reports BTC/kvB
	return out.FeeRate * 1e8, nil
}
