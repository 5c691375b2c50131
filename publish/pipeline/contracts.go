package pipeline

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/contracts/aprstaking"
	"github.com/connectplatform/daarion/publish/contracts/daar"
	"github.com/connectplatform/daarion/publish/contracts/daardistributor"
	"github.com/connectplatform/daarion/publish/contracts/daarion"
	"github.com/connectplatform/daarion/publish/contracts/erc1967factory"
	"github.com/connectplatform/daarion/publish/contracts/ownable"
)

type Contract string

const (
	DAAR        Contract = "DAAR"
	DAARION     Contract = "DAARION"
	Distributor Contract = "DAARDistributor"
	Staking     Contract = "APRStaking"
)

// Contracts is the publication order. Tokens come first so that their
// proxies exist before anything references them.
var Contracts = []Contract{DAAR, DAARION, Distributor, Staking}

// Params are the values every initializer and setter is built from.
type Params struct {
	// Custody receives ownership at the end of the run and is passed to
	// the initializers as wallet1.
	Custody common.Address
	// Admin is the ERC1967 proxy admin set at creation. Zero means signer.
	Admin common.Address
	// FeeBps is the DAAR transfer fee in basis points.
	FeeBps *big.Int
	// EpochDuration is the distributor epoch length in seconds.
	EpochDuration *big.Int
	// GasLimit overrides every per-contract default when non-zero.
	GasLimit uint64
	// TransferProxyAdmin hands the factory proxy admin to Custody after
	// ownership has been transferred.
	TransferProxyAdmin bool
}

func (p Params) Validate() error {
	if p.Custody == (common.Address{}) {
		return fmt.Errorf("custody address is required")
	}
	if p.FeeBps == nil || p.FeeBps.Sign() < 0 || p.FeeBps.Cmp(big.NewInt(10_000)) > 0 {
		return fmt.Errorf("fee basis points must be within [0, 10000]")
	}
	if p.EpochDuration == nil || p.EpochDuration.Sign() <= 0 {
		return fmt.Errorf("epoch duration must be positive")
	}
	return nil
}

// ApplyDefaults fills fee and epoch with the values the contracts were
// first published with.
func (p *Params) ApplyDefaults() {
	if p.FeeBps == nil {
		p.FeeBps = big.NewInt(daar.DefaultFeeBasisPoints)
	}
	if p.EpochDuration == nil {
		p.EpochDuration = big.NewInt(daardistributor.DefaultEpochDuration)
	}
}

func ParseContract(name string) (Contract, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "daar":
		return DAAR, nil
	case "daarion":
		return DAARION, nil
	case "daardistributor", "distributor", "walletd":
		return Distributor, nil
	case "aprstaking", "staking", "walletr":
		return Staking, nil
	default:
		return "", fmt.Errorf("unsupported contract: %s", name)
	}
}

func implGasLimit(c Contract) uint64 {
	switch c {
	case DAAR:
		return daar.ImplGasLimit
	case DAARION:
		return daarion.ImplGasLimit
	case Distributor:
		return daardistributor.ImplGasLimit
	case Staking:
		return aprstaking.ImplGasLimit
	}
	return 0
}

// encodeInit builds the initializer calldata for c. addrs must hold the
// proxy address of every contract c depends on.
func encodeInit(c Contract, p Params, addrs map[Contract]common.Address) ([]byte, error) {
	need := func(deps ...Contract) error {
		for _, d := range deps {
			if addrs[d] == (common.Address{}) {
				return fmt.Errorf("%s initializer needs %s address", c, d)
			}
		}
		return nil
	}

	switch c {
	case DAAR:
		if err := need(Distributor, Staking); err != nil {
			return nil, err
		}
		return daar.EncodeInit(daar.InitArgs{
			Distributor: addrs[Distributor],
			FeeBps:      p.FeeBps,
			Wallet1:     p.Custody,
			Staking:     addrs[Staking],
		})
	case DAARION:
		if err := need(Distributor, Staking); err != nil {
			return nil, err
		}
		return daarion.EncodeInit(daarion.InitArgs{
			Wallet1:     p.Custody,
			Distributor: addrs[Distributor],
			Staking:     addrs[Staking],
		})
	case Distributor:
		if err := need(DAAR, DAARION); err != nil {
			return nil, err
		}
		return daardistributor.EncodeInit(daardistributor.InitArgs{
			DAAR:          addrs[DAAR],
			DAARION:       addrs[DAARION],
			Wallet1:       p.Custody,
			EpochDuration: p.EpochDuration,
		})
	case Staking:
		if err := need(DAAR, DAARION); err != nil {
			return nil, err
		}
		return aprstaking.EncodeInit(aprstaking.InitArgs{
			DAAR:    addrs[DAAR],
			DAARION: addrs[DAARION],
			Wallet1: p.Custody,
		})
	}
	return nil, fmt.Errorf("unsupported contract: %s", c)
}

type wiringCall struct {
	kind     string
	target   Contract
	gasLimit uint64
	// refs are the contracts whose addresses the call registers.
	refs   []Contract
	encode func() ([]byte, error)
}

// wiringCalls lists the setter calls that register the distributor
// (WalletD) and staking (WalletR) contracts inside both tokens.
func wiringCalls(p Params, addrs map[Contract]common.Address) []wiringCall {
	wallets := daar.WalletsArgs{
		Wallet1: p.Custody,
		WalletD: addrs[Distributor],
		WalletR: addrs[Staking],
	}
	return []wiringCall{
		{
			kind: "setWallets", target: DAAR, gasLimit: daar.SetterGasLimit,
			refs:   []Contract{Distributor, Staking},
			encode: func() ([]byte, error) { return daar.EncodeSetWallets(wallets) },
		},
		{
			kind: "setWallets", target: DAARION, gasLimit: daarion.SetterGasLimit,
			refs:   []Contract{Distributor, Staking},
			encode: func() ([]byte, error) { return daarion.EncodeSetWallets(wallets) },
		},
		{
			kind: "setWalletD", target: DAAR, gasLimit: daar.SetterGasLimit,
			refs:   []Contract{Distributor},
			encode: func() ([]byte, error) { return daar.EncodeSetWalletD(addrs[Distributor]) },
		},
	}
}

// FreshRunGas is the gas budget of a run that has to deploy the factory
// and all four contracts. gasOverride replaces every per-call limit.
func FreshRunGas(gasOverride uint64) uint64 {
	const (
		factoryTxs  = 1
		wiringTxs   = 3
		transferTxs = 4
	)
	if gasOverride > 0 {
		txs := uint64(factoryTxs + 3*len(Contracts) + wiringTxs + transferTxs)
		return txs * gasOverride
	}

	total := uint64(erc1967factory.GasLimit)
	for _, c := range Contracts {
		total += implGasLimit(c) + publish.ProxyGasLimit + InitializeGasLimit
	}
	total += daar.SetterGasLimit*2 + daarion.SetterGasLimit
	total += transferTxs * ownable.TransferGasLimit
	return total
}
