// Package ownable encodes the OwnableUpgradeable surface shared by every
// published contract.
package ownable

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"
)

const TransferGasLimit uint64 = 100_000

var (
	funcOwner             = w3.MustNewFunc("owner()", "address")
	funcTransferOwnership = w3.MustNewFunc("transferOwnership(address)", "")
)

func EncodeOwner() ([]byte, error) {
	return funcOwner.EncodeArgs()
}

func DecodeOwner(output []byte) (common.Address, error) {
	var owner common.Address
	if err := funcOwner.DecodeReturns(output, &owner); err != nil {
		return common.Address{}, err
	}
	return owner, nil
}

func EncodeTransferOwnership(newOwner common.Address) ([]byte, error) {
	return funcTransferOwnership.EncodeArgs(newOwner)
}
