package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/stretchr/testify/require"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/contracts/aprstaking"
	"github.com/connectplatform/daarion/publish/contracts/daar"
	"github.com/connectplatform/daarion/publish/contracts/daardistributor"
	"github.com/connectplatform/daarion/publish/contracts/daarion"
	"github.com/connectplatform/daarion/publish/contracts/erc1967factory"
	"github.com/connectplatform/daarion/publish/contracts/ownable"
	"github.com/connectplatform/daarion/publish/manifest"
)

var (
	signer   = common.HexToAddress("0x00000000000000000000000000000000005151e7")
	custody  = common.HexToAddress("0x39c8e3807B864A633bd83C34995d7A3a18d0b7e8")
	stranger = common.HexToAddress("0x000000000000000000000000000000000000bad0")

	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

var callKinds = map[[4]byte]string{}

var (
	ownerSelector   [4]byte
	adminOfSelector [4]byte

	eventDeployed         = w3.MustNewEvent("Deployed(address indexed,address indexed,address indexed)")
	funcTransferOwnership = w3.MustNewFunc("transferOwnership(address)", "")
	funcChangeAdmin       = w3.MustNewFunc("changeAdmin(address,address)", "")
)

func selector(data []byte, err error) [4]byte {
	if err != nil {
		panic(err)
	}
	return [4]byte(data[:4])
}

func init() {
	zero := common.Address{}
	one := big.NewInt(1)
	callKinds[selector(daar.EncodeInit(daar.InitArgs{FeeBps: one}))] = "initialize"
	callKinds[selector(daarion.EncodeInit(daarion.InitArgs{}))] = "initialize"
	callKinds[selector(daardistributor.EncodeInit(daardistributor.InitArgs{EpochDuration: one}))] = "initialize"
	callKinds[selector(aprstaking.EncodeInit(aprstaking.InitArgs{}))] = "initialize"
	callKinds[selector(daar.EncodeSetWallets(daar.WalletsArgs{}))] = "setWallets"
	callKinds[selector(daar.EncodeSetWalletD(zero))] = "setWalletD"
	callKinds[selector(ownable.EncodeTransferOwnership(zero))] = "transferOwnership"
	callKinds[selector(erc1967factory.EncodeChangeAdmin(zero, zero))] = "changeAdmin"
	adminOfSelector = selector(erc1967factory.EncodeAdminOf(zero))
	ownerSelector = selector(ownable.EncodeOwner())
}

func deployedLog(factory, proxy, implementation, admin common.Address) *types.Log {
	return &types.Log{
		Address: factory,
		Topics: []common.Hash{
			eventDeployed.Topic0,
			common.BytesToHash(proxy.Bytes()),
			common.BytesToHash(implementation.Bytes()),
			common.BytesToHash(admin.Bytes()),
		},
	}
}

type txRecord struct {
	Kind string
	To   common.Address
	Data []byte
}

// fakeChain models just enough of the contracts to check ordering and
// ownership rules: initialize once, setters and transfers by owner only.
type fakeChain struct {
	signer      common.Address
	nonce       uint64
	proxyNonce  uint64
	code        map[common.Address][]byte
	owners      map[common.Address]common.Address
	admins      map[common.Address]common.Address
	initialized map[common.Address]bool
	receipts    map[common.Hash]*types.Receipt
	txs         []txRecord

	revert func(txRecord) bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		signer:      signer,
		code:        map[common.Address][]byte{},
		owners:      map[common.Address]common.Address{},
		admins:      map[common.Address]common.Address{},
		initialized: map[common.Address]bool{},
		receipts:    map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) Address() common.Address { return f.signer }

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeChain) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	switch {
	case len(data) >= 4 && [4]byte(data[:4]) == ownerSelector:
		return common.LeftPadBytes(f.owners[to].Bytes(), 32), nil
	case len(data) >= 36 && [4]byte(data[:4]) == adminOfSelector:
		proxy := common.BytesToAddress(data[4:36])
		return common.LeftPadBytes(f.admins[proxy].Bytes(), 32), nil
	}
	return nil, fmt.Errorf("unexpected call to %s", to.Hex())
}

func (f *fakeChain) DeployImplementation(_ context.Context, bytecode []byte, _ uint64) (publish.DeployResult, error) {
	addr := crypto.CreateAddress(f.signer, f.nonce)
	f.code[addr] = bytecode
	hash := f.finish(txRecord{Kind: "implementation", Data: bytecode}, true, nil)
	return publish.DeployResult{TxHash: hash, ContractAddress: addr}, nil
}

func (f *fakeChain) DeployDeterministicViaArachnid(_ context.Context, salt [32]byte, bytecode []byte, _ uint64) (publish.DeployResult, error) {
	addr := publish.PredictCreate2Address(publish.ArachnidCreate2Factory, salt, bytecode)
	f.code[addr] = bytecode
	hash := f.finish(txRecord{Kind: "factory", To: publish.ArachnidCreate2Factory, Data: bytecode}, true, nil)
	return publish.DeployResult{TxHash: hash, ContractAddress: addr}, nil
}

func (f *fakeChain) DeployProxy(_ context.Context, factory, impl, admin common.Address, initData []byte, _ uint64) (common.Hash, error) {
	return f.deployProxy(factory, impl, admin, initData), nil
}

func (f *fakeChain) DeployProxyDeferred(_ context.Context, factory, impl, admin common.Address, _ uint64) (common.Hash, error) {
	return f.deployProxy(factory, impl, admin, nil), nil
}

func (f *fakeChain) deployProxy(factory, impl, admin common.Address, initData []byte) common.Hash {
	rec := txRecord{Kind: "proxy", To: factory, Data: initData}
	if len(f.code[factory]) == 0 || (f.revert != nil && f.revert(rec)) {
		return f.finish(rec, false, nil)
	}

	proxy := crypto.CreateAddress(factory, f.proxyNonce)
	f.proxyNonce++
	f.code[proxy] = []byte{0x36, 0x3d}
	f.admins[proxy] = admin
	if initData != nil {
		f.initialized[proxy] = true
		f.owners[proxy] = f.signer
	}
	return f.finish(rec, true, deployedLog(factory, proxy, impl, admin))
}

func (f *fakeChain) Transact(_ context.Context, to common.Address, data []byte, _ uint64) (common.Hash, error) {
	rec := txRecord{Kind: callKinds[[4]byte(data[:4])], To: to, Data: data}
	if f.revert != nil && f.revert(rec) {
		return f.finish(rec, false, nil), nil
	}

	ok := true
	switch rec.Kind {
	case "initialize":
		ok = !f.initialized[to] && len(f.code[to]) > 0
		if ok {
			f.initialized[to] = true
			f.owners[to] = f.signer
		}
	case "setWallets", "setWalletD":
		ok = f.owners[to] == f.signer
	case "transferOwnership":
		ok = f.owners[to] == f.signer
		if ok {
			var newOwner common.Address
			if err := funcTransferOwnership.DecodeArgs(data, &newOwner); err != nil {
				return common.Hash{}, err
			}
			f.owners[to] = newOwner
		}
	case "changeAdmin":
		var proxy, admin common.Address
		if err := funcChangeAdmin.DecodeArgs(data, &proxy, &admin); err != nil {
			return common.Hash{}, err
		}
		ok = f.admins[proxy] == f.signer
		if ok {
			f.admins[proxy] = admin
		}
	default:
		return common.Hash{}, fmt.Errorf("unexpected transaction to %s", to.Hex())
	}
	return f.finish(rec, ok, nil), nil
}

func (f *fakeChain) WaitForReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", hash.Hex())
	}
	return receipt, nil
}

func (f *fakeChain) finish(rec txRecord, ok bool, log *types.Log) common.Hash {
	f.txs = append(f.txs, rec)
	f.nonce++
	hash := common.BigToHash(big.NewInt(int64(len(f.txs))))

	receipt := &types.Receipt{
		TxHash:      hash,
		BlockNumber: big.NewInt(int64(100 + len(f.txs))),
		Status:      types.ReceiptStatusSuccessful,
	}
	if !ok {
		receipt.Status = types.ReceiptStatusFailed
	}
	if ok && log != nil {
		receipt.Logs = []*types.Log{log}
	}
	f.receipts[hash] = receipt
	return hash
}

func (f *fakeChain) kinds() []string {
	out := make([]string, len(f.txs))
	for i, tx := range f.txs {
		out[i] = tx.Kind
	}
	return out
}

func (f *fakeChain) count(kind string) int {
	n := 0
	for _, tx := range f.txs {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeChain) txsOf(kind string) []txRecord {
	var out []txRecord
	for _, tx := range f.txs {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

// place puts an already published, initialized proxy on the chain.
func (f *fakeChain) place(proxy, owner common.Address) {
	f.code[proxy] = []byte{0x36, 0x3d}
	f.initialized[proxy] = true
	f.owners[proxy] = owner
	f.admins[proxy] = f.signer
}

type memRegistry struct {
	mu        sync.Mutex
	entries   map[string]manifest.Entry
	lookupErr map[string]error
	recordErr func(manifest.Entry) error
	records   int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		entries:   map[string]manifest.Entry{},
		lookupErr: map[string]error{},
	}
}

func (m *memRegistry) Lookup(_ context.Context, name string) (manifest.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookupErr[name]; err != nil {
		return manifest.Entry{}, err
	}
	entry, ok := m.entries[name]
	if !ok {
		return manifest.Entry{}, manifest.ErrNotFound
	}
	return entry, nil
}

func (m *memRegistry) Record(_ context.Context, entry manifest.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		if err := m.recordErr(entry); err != nil {
			return err
		}
	}
	m.entries[entry.Name] = entry
	m.records++
	return nil
}

type fakeArtifacts map[string]*publish.Artifact

func (a fakeArtifacts) Resolve(name string) (*publish.Artifact, error) {
	art, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, publish.ErrArtifactNotFound)
	}
	return art, nil
}

type abiArg struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type abiFunc struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	Inputs          []abiArg `json:"inputs"`
	Outputs         []abiArg `json:"outputs"`
	StateMutability string   `json:"stateMutability"`
}

// abiJSON renders an ABI holding the given function signatures.
func abiJSON(sigs ...string) json.RawMessage {
	funcs := make([]abiFunc, 0, len(sigs))
	for _, sig := range sigs {
		open := strings.Index(sig, "(")
		fn := abiFunc{Type: "function", Name: sig[:open], Inputs: []abiArg{}, Outputs: []abiArg{}, StateMutability: "nonpayable"}
		if params := strings.TrimSuffix(sig[open+1:], ")"); params != "" {
			for _, typ := range strings.Split(params, ",") {
				fn.Inputs = append(fn.Inputs, abiArg{Type: typ})
			}
		}
		funcs = append(funcs, fn)
	}
	blob, err := json.Marshal(funcs)
	if err != nil {
		panic(err)
	}
	return blob
}

func testArtifact(t *testing.T, name string, bytecode string, sigs ...string) *publish.Artifact {
	t.Helper()
	blob, err := json.Marshal(map[string]any{
		"_format":      "hh-sol-artifact-1",
		"contractName": name,
		"sourceName":   "contracts/" + name + ".sol",
		"abi":          abiJSON(sigs...),
		"bytecode":     bytecode,
	})
	require.NoError(t, err)
	a, err := publish.ParseArtifact(blob)
	require.NoError(t, err)
	return a
}

func testArtifacts(t *testing.T) fakeArtifacts {
	t.Helper()
	owned := []string{"owner()", "transferOwnership(address)"}
	return fakeArtifacts{
		"DAAR": testArtifact(t, "DAAR", "0x6080604052aa",
			append(owned, "initialize(address,uint256,address,address)", "setWallets(address,address,address)", "setWalletD(address)")...),
		"DAARION": testArtifact(t, "DAARION", "0x6080604052bb",
			append(owned, "initialize(address,address,address)", "setWallets(address,address,address)")...),
		"DAARDistributor": testArtifact(t, "DAARDistributor", "0x6080604052cc",
			append(owned, "initialize(address,address,address,uint256)")...),
		"APRStaking": testArtifact(t, "APRStaking", "0x6080604052dd",
			append(owned, "initialize(address,address,address)")...),
		"ERC1967Factory": testArtifact(t, "ERC1967Factory", "0x6080604052ee",
			"deploy(address,address)", "deployAndCall(address,address,bytes)", "adminOf(address)", "changeAdmin(address,address)"),
	}
}

func testConfig() Config {
	return Config{
		Network: "development",
		ChainID: 1337,
		RunID:   "run-1",
		Params:  Params{Custody: custody},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return fixedNow },
	}
}

func newTestPublisher(t *testing.T, chain *fakeChain, reg manifest.Registry, mutate ...func(*Config)) *Publisher {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewPublisher(chain, reg, testArtifacts(t), cfg)
	require.NoError(t, err)
	return p
}

var errBoom = errors.New("connection reset by peer")
