package vaultgap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mev-scanner/internal/provider"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"previewDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// ClientSource hands out a healthy RPC client.
type ClientSource interface {
	Client(ctx context.Context) (provider.Client, error)
}

// RateReader reads the vault's share-per-asset rate.
type RateReader interface {
	FetchRate(ctx context.Context) (decimal.Decimal, uint64, error)
}

// VaultOptions parameterise the on-chain rate reader.
type VaultOptions struct {
	Address       string
	AssetDecimals int32
	ShareDecimals int32
	Timeout       time.Duration
}

// Vault reads an ERC-4626 vault's deposit rate through the provider manager.
type Vault struct {
	opts    VaultOptions
	clients ClientSource
	logger  zerolog.Logger
}

// NewVault builds a vault rate reader.
func NewVault(opts VaultOptions, clients ClientSource, logger zerolog.Logger) *Vault {
	if opts.AssetDecimals == 0 {
		opts.AssetDecimals = 18
	}
	if opts.ShareDecimals == 0 {
		opts.ShareDecimals = 18
	}
	return &Vault{opts: opts, clients: clients, logger: logger.With().Str("component", "vault_reader").Logger()}
}

// FetchRate returns shares minted per whole asset and the block it was read at.
func (v *Vault) FetchRate(ctx context.Context) (decimal.Decimal, uint64, error) {
	if v.clients == nil {
		return decimal.Decimal{}, 0, errors.New("rpc provider not configured")
	}
	if !common.IsHexAddress(v.opts.Address) {
		return decimal.Decimal{}, 0, fmt.Errorf("vault address %q is invalid", v.opts.Address)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.clients.Client(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("block number: %w", err)
	}

	addr := common.HexToAddress(v.opts.Address)
	assets := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.AssetDecimals)), nil)

	payload, err := erc4626ABI.Pack("previewDeposit", assets)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return decimal.Decimal{}, 0, fmt.Errorf("previewDeposit: %w", err)
	}

	outputs, err := erc4626ABI.Unpack("previewDeposit", res)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, 0, errors.New("unexpected previewDeposit response")
	}

	shares, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, 0, errors.New("failed to decode previewDeposit output")
	}

	return decimal.NewFromBigInt(shares, -v.opts.ShareDecimals), blockNumber, nil
}

var _ RateReader = (*Vault)(nil)
