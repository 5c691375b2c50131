package publish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
)

const (
	ProxyGasLimit        uint64 = 500_000
	DefaultPollInterval         = 2 * time.Second
	DefaultReceiptTimeout       = 10 * time.Minute
)

var (
	ErrReverted      = errors.New("transaction reverted")
	ErrEventNotFound = errors.New("Deployed event not found in receipt logs")
)

var (
	funcDeploy = w3.MustNewFunc(
		"deploy(address,address)", "address",
	)
	funcDeployAndCall = w3.MustNewFunc(
		"deployAndCall(address,address,bytes)", "address",
	)
	eventDeployed = w3.MustNewEvent(
		"Deployed(address indexed,address indexed,address indexed)",
	)
)

type (
	DeployResult struct {
		TxHash          common.Hash
		ContractAddress common.Address
	}

	// Fees selects the transaction type. A non-nil GasPrice produces legacy
	// transactions, otherwise EIP-1559 fee and tip caps are used.
	Fees struct {
		GasPrice  *big.Int
		GasFeeCap *big.Int
		GasTipCap *big.Int
	}

	Deployer struct {
		client         *w3.Client
		signer         types.Signer
		key            *ecdsa.PrivateKey
		address        common.Address
		fees           Fees
		confirmations  uint64
		receiptTimeout time.Duration
		pollInterval   time.Duration
		logger         *slog.Logger
		metrics        *Metrics
	}

	Option func(*Deployer)
)

// WithConfirmations sets the number of blocks a receipt must be buried
// under (including its own) before WaitForReceipt returns.
func WithConfirmations(n uint64) Option {
	return func(d *Deployer) { d.confirmations = n }
}

func WithReceiptTimeout(timeout time.Duration) Option {
	return func(d *Deployer) {
		if timeout > 0 {
			d.receiptTimeout = timeout
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(d *Deployer) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Deployer) { d.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(d *Deployer) { d.metrics = m }
}

func NewDeployer(rpcURL string, chainID int64, privateKey *ecdsa.PrivateKey, fees Fees, opts ...Option) (*Deployer, error) {
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	d := &Deployer{
		client:         client,
		signer:         types.NewLondonSigner(big.NewInt(chainID)),
		key:            privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		fees:           fees,
		confirmations:  1,
		receiptTimeout: DefaultReceiptTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Deployer) Address() common.Address {
	return d.address
}

func (d *Deployer) Close() error {
	return d.client.Close()
}

func (d *Deployer) ChainID(ctx context.Context) (uint64, error) {
	var chainID uint64
	if err := d.client.CallCtx(ctx, eth.ChainID().Returns(&chainID)); err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	return chainID, nil
}

func (d *Deployer) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := d.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code %s: %w", addr.Hex(), err)
	}
	return code, nil
}

func (d *Deployer) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := d.client.CallCtx(ctx, eth.Balance(addr, nil).Returns(&balance)); err != nil {
		return nil, fmt.Errorf("get balance %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// Call runs a read-only eth_call from the deployer address against the
// latest block.
func (d *Deployer) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	msg := &w3types.Message{From: d.address, To: &to, Input: data}
	if err := d.client.CallCtx(ctx, eth.Call(msg, nil, nil).Returns(&out)); err != nil {
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

func (d *Deployer) getNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	if err := d.client.CallCtx(ctx, eth.Nonce(d.address, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

func (d *Deployer) newTx(nonce uint64, to *common.Address, data []byte, gasLimit uint64) *types.Transaction {
	if d.fees.GasPrice != nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       to,
			GasPrice: d.fees.GasPrice,
			Gas:      gasLimit,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		To:        to,
		GasFeeCap: d.fees.GasFeeCap,
		GasTipCap: d.fees.GasTipCap,
		Gas:       gasLimit,
		Data:      data,
	})
}

func (d *Deployer) sendTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signedTx, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.CallCtx(ctx, eth.SendTx(signedTx).Returns(nil)); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	d.metrics.txSent()
	d.logger.Debug("transaction sent",
		slog.String("tx_hash", signedTx.Hash().Hex()),
		slog.Uint64("nonce", signedTx.Nonce()),
	)
	return signedTx.Hash(), nil
}

func (d *Deployer) DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	contractAddr := crypto.CreateAddress(d.address, nonce)

	txHash, err := d.sendTx(ctx, d.newTx(nonce, nil, bytecode, gasLimit))
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: contractAddr,
	}, nil
}

// DeployProxy creates an ERC1967 proxy through the factory and calls the
// implementation with initData in the same transaction.
func (d *Deployer) DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error) {
	calldata, err := funcDeployAndCall.EncodeArgs(implementation, admin, initData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode deployAndCall: %w", err)
	}
	return d.Transact(ctx, factory, calldata, gasLimit)
}

// DeployProxyDeferred creates an uninitialized ERC1967 proxy. The caller
// is expected to invoke the initializer in a later transaction.
func (d *Deployer) DeployProxyDeferred(ctx context.Context, factory, implementation, admin common.Address, gasLimit uint64) (common.Hash, error) {
	calldata, err := funcDeploy.EncodeArgs(implementation, admin)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode deploy: %w", err)
	}
	return d.Transact(ctx, factory, calldata, gasLimit)
}

func (d *Deployer) Transact(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	return d.sendTx(ctx, d.newTx(nonce, &to, data, gasLimit))
}

// WaitForReceipt polls for the receipt of txHash and then for the
// configured number of confirmations. The wait is bounded by the receipt
// timeout as well as by ctx.
func (d *Deployer) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		err := d.client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt))
		if err == nil && receipt != nil {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}

	if d.confirmations > 1 && receipt.BlockNumber != nil {
		target := new(big.Int).Add(receipt.BlockNumber, new(big.Int).SetUint64(d.confirmations-1))
		for {
			var head *big.Int
			if err := d.client.CallCtx(ctx, eth.BlockNumber().Returns(&head)); err == nil && head.Cmp(target) >= 0 {
				break
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("wait confirmations %s: %w", txHash.Hex(), ctx.Err())
			case <-ticker.C:
			}
		}
	}

	d.metrics.txConfirmed(receipt.Status == types.ReceiptStatusSuccessful)
	return receipt, nil
}

// CheckReceipt returns ErrReverted for a failed receipt.
func CheckReceipt(receipt *types.Receipt) error {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())
	}
	return nil
}

// ProxyAddressFromReceipt returns the proxy announced by the Deployed
// event of factory. Logs from other emitters are ignored.
func ProxyAddressFromReceipt(receipt *types.Receipt, factory common.Address) (common.Address, error) {
	for _, log := range receipt.Logs {
		if log.Address != factory {
			continue
		}
		var (
			proxy          common.Address
			implementation common.Address
			admin          common.Address
		)
		if err := eventDeployed.DecodeArgs(log, &proxy, &implementation, &admin); err == nil {
			return proxy, nil
		}
	}
	return common.Address{}, ErrEventNotFound
}
