package aprstaking

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
)

const (
	name         = "APRStaking"
	ImplGasLimit = 5_500_000
)

var funcInitialize = w3.MustNewFunc(
	"initialize(address,address,address)", "",
)

type InitArgs struct {
	DAAR    common.Address
	DAARION common.Address
	Wallet1 common.Address
}

func Name() string { return name }

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.DAAR, args.DAARION, args.Wallet1)
}
