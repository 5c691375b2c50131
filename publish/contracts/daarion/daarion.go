package daarion

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"

	"github.com/connectplatform/daarion/publish/contracts/daar"
)

const (
	name           = "DAARION"
	ImplGasLimit   = 5_500_000
	SetterGasLimit = 200_000
)

var (
	funcInitialize = w3.MustNewFunc(
		"initialize(address,address,address)", "",
	)
	funcSetWallets = w3.MustNewFunc(
		"setWallets(address,address,address)", "",
	)
)

type InitArgs struct {
	Wallet1     common.Address
	Distributor common.Address
	Staking     common.Address
}

func Name() string { return name }

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.Wallet1, args.Distributor, args.Staking)
}

func EncodeSetWallets(args daar.WalletsArgs) ([]byte, error) {
	return funcSetWallets.EncodeArgs(args.Wallet1, args.WalletD, args.WalletR)
}
