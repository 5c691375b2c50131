package daar

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
)

const (
	name           = "DAAR"
	ImplGasLimit   = 5_500_000
	SetterGasLimit = 200_000

	// DefaultFeeBasisPoints is the transfer fee (0.5%).
	DefaultFeeBasisPoints = 50
)

var (
	funcInitialize = w3.MustNewFunc(
		"initialize(address,uint256,address,address)", "",
	)
	funcSetWallets = w3.MustNewFunc(
		"setWallets(address,address,address)", "",
	)
	funcSetWalletD = w3.MustNewFunc(
		"setWalletD(address)", "",
	)
)

type InitArgs struct {
	Distributor common.Address
	FeeBps      *big.Int
	Wallet1     common.Address
	Staking     common.Address
}

// WalletsArgs are the three role wallets stored by both tokens.
type WalletsArgs struct {
	Wallet1 common.Address
	WalletD common.Address
	WalletR common.Address
}

func Name() string { return name }

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.Distributor, args.FeeBps, args.Wallet1, args.Staking)
}

func EncodeSetWallets(args WalletsArgs) ([]byte, error) {
	return funcSetWallets.EncodeArgs(args.Wallet1, args.WalletD, args.WalletR)
}

func EncodeSetWalletD(walletD common.Address) ([]byte, error) {
	return funcSetWalletD.EncodeArgs(walletD)
}
