package erc1967factory

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
)

const (
	name     = "ERC1967Factory"
	GasLimit = 1_000_000

	ChangeAdminGasLimit uint64 = 100_000
)

var (
	funcAdminOf     = w3.MustNewFunc("adminOf(address)", "address")
	funcChangeAdmin = w3.MustNewFunc("changeAdmin(address,address)", "")
)

func Name() string { return name }

func EncodeAdminOf(proxy common.Address) ([]byte, error) {
	return funcAdminOf.EncodeArgs(proxy)
}

func DecodeAdminOf(output []byte) (common.Address, error) {
	var admin common.Address
	if err := funcAdminOf.DecodeReturns(output, &admin); err != nil {
		return common.Address{}, err
	}
	return admin, nil
}

func EncodeChangeAdmin(proxy, admin common.Address) ([]byte, error) {
	return funcChangeAdmin.EncodeArgs(proxy, admin)
}
