package feed

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// OnchainOptions parameterise the on-chain aggregator fetcher.
type OnchainOptions struct {
	Name              string
	RPCURL            string
	AggregatorAddress string
	Decimals          int32 // answer scale, 8 for the standard USD aggregators
	Timeout           time.Duration
}

// Onchain reads a price aggregator contract over Ethereum RPC.
type Onchain struct {
	opts      OnchainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewOnchain builds an on-chain aggregator fetcher.
func NewOnchain(opts OnchainOptions, logger zerolog.Logger) *Onchain {
	if opts.Decimals <= 0 {
		opts.Decimals = 8
	}
	return &Onchain{opts: opts, logger: logger.With().Str("component", "onchain_feed").Str("source", opts.Name).Logger()}
}

// Name returns the configured source identifier.
func (o *Onchain) Name() string {
	return o.opts.Name
}

// Fetch calls latestRoundData and converts the answer to a USD decimal.
func (o *Onchain) Fetch(ctx context.Context) (Attestation, error) {
	if o.opts.RPCURL == "" {
		return Attestation{}, errors.New("ethereum rpc url not configured")
	}
	if o.opts.AggregatorAddress == "" {
		return Attestation{}, errors.New("aggregator contract address not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return Attestation{}, err
	}

	addr := common.HexToAddress(o.opts.AggregatorAddress)

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return Attestation{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return Attestation{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return Attestation{}, err
	}
	if len(outputs) != 5 {
		return Attestation{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Attestation{}, errors.New("failed to decode aggregator answer")
	}
	if answer.Sign() <= 0 {
		return Attestation{}, errors.New("aggregator answer not positive")
	}

	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Attestation{}, errors.New("failed to decode aggregator updatedAt")
	}

	return Attestation{
		Source:     o.opts.Name,
		Price:      decimal.NewFromBigInt(answer, -o.opts.Decimals),
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (o *Onchain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ Feed = (*Onchain)(nil)
