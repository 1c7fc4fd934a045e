package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/avast/retry-go"
	"github.com/devblac/xchain-relay/internal/chain"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// DefaultMaxRange bounds the block span of one eth_getLogs query.
	DefaultMaxRange uint64 = 2000

	dialAttempts = 5
	dialDelay    = 500 * time.Millisecond
)

// Backend is the subset of ethclient the connection needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Conn is a chain.Conn over a JSON-RPC node.
type Conn struct {
	backend  Backend
	chainID  *big.Int
	maxRange uint64
	close    func()
}

var _ chain.Conn = (*Conn)(nil)

// NewConn wraps an existing backend serving chainID.
func NewConn(backend Backend, chainID uint64) *Conn {
	return &Conn{
		backend:  backend,
		chainID:  new(big.Int).SetUint64(chainID),
		maxRange: DefaultMaxRange,
		close:    func() {},
	}
}

// Dial connects to rpcURL and reads the chain id the node serves.
func Dial(ctx context.Context, rpcURL string) (*Conn, error) {
	var (
		client *ethclient.Client
		id     *big.Int
	)
	err := retry.Do(
		func() error {
			c, err := ethclient.DialContext(ctx, rpcURL)
			if err != nil {
				return err
			}
			cid, err := c.ChainID(ctx)
			if err != nil {
				c.Close()
				return err
			}
			client, id = c, cid
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(dialAttempts),
		retry.Delay(dialDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("dial retry", "rpc", rpcURL, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc %s: %w", rpcURL, err)
	}
	conn := NewConn(client, id.Uint64())
	conn.close = client.Close
	return conn, nil
}

// WithMaxRange overrides the log query span.
func (c *Conn) WithMaxRange(n uint64) *Conn {
	if n > 0 {
		c.maxRange = n
	}
	return c
}

// Close releases the underlying client.
func (c *Conn) Close() { c.close() }

func (c *Conn) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain id: %w", err)
	}
	return id.Uint64(), nil
}

func (c *Conn) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// FilterCalls queries gateway call logs in windows of at most maxRange blocks.
// A log that does not decode as a gateway call is logged and skipped so it
// cannot stall the rest of the range.
func (c *Conn) FilterCalls(ctx context.Context, gateway common.Address, from, to uint64) ([]chain.Event, error) {
	var out []chain.Event
	for start := from; start <= to; {
		end := to
		if end-start+1 > c.maxRange {
			end = start + c.maxRange - 1
		}
		logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{gateway},
			Topics:    [][]common.Hash{{callTopic, callWithTokenTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d..%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, ok, err := decodeCall(lg)
			if err != nil {
				slog.Warn("skipping undecodable gateway log",
					"gateway", gateway.Hex(), "block", lg.BlockNumber, "log_index", lg.Index,
					"tx", lg.TxHash.Hex(), "err", err)
				continue
			}
			if ok {
				out = append(out, ev)
			}
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return out, nil
}

// Submit calls the destination's execute entry point and waits for the receipt.
func (c *Conn) Submit(ctx context.Context, signer *ecdsa.PrivateKey, msg chain.Message) (common.Hash, error) {
	opts, err := c.transactor(ctx, signer)
	if err != nil {
		return common.Hash{}, err
	}
	method, args := executeCall(msg)
	contract := bind.NewBoundContract(msg.Destination, ExecutableABI, c.backend, c.backend, c.backend)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%s reverted in tx %s", method, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// Deploy creates a contract and waits until its code is present.
func (c *Conn) Deploy(ctx context.Context, signer *ecdsa.PrivateKey, spec chain.ContractSpec) (common.Address, common.Hash, error) {
	opts, err := c.transactor(ctx, signer)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	_, tx, _, err := bind.DeployContract(opts, spec.ABI, spec.Bytecode, c.backend, spec.Args...)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("send deployment: %w", err)
	}
	addr, err := bind.WaitDeployed(ctx, c.backend, tx)
	if err != nil {
		return common.Address{}, tx.Hash(), fmt.Errorf("wait deployment %s: %w", tx.Hash().Hex(), err)
	}
	return addr, tx.Hash(), nil
}

func (c *Conn) transactor(ctx context.Context, signer *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	if signer == nil {
		return nil, fmt.Errorf("no signing key")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(signer, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
