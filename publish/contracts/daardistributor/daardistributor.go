package daardistributor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
)

const (
	name         = "DAARDistributor"
	ImplGasLimit = 5_500_000

	// DefaultEpochDuration is one week in seconds.
	DefaultEpochDuration = 7 * 24 * 60 * 60
)

var funcInitialize = w3.MustNewFunc(
	"initialize(address,address,address,uint256)", "",
)

type InitArgs struct {
	DAAR          common.Address
	DAARION       common.Address
	Wallet1       common.Address
	EpochDuration *big.Int
}

func Name() string { return name }

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.DAAR, args.DAARION, args.Wallet1, args.EpochDuration)
}
