package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/connectplatform/daarion/publish"
	"github.com/connectplatform/daarion/publish/contracts/erc1967factory"
	"github.com/connectplatform/daarion/publish/contracts/ownable"
	"github.com/connectplatform/daarion/publish/manifest"
)

const InitializeGasLimit uint64 = 500_000

var (
	// ErrNotOwner means the signer no longer controls a contract it has
	// to configure, and custody does not hold it either.
	ErrNotOwner = errors.New("signer is not the contract owner")
	// ErrOutOfOrder guards the dependency order between steps.
	ErrOutOfOrder = errors.New("step issued out of order")
)

// Chain is the signing client the publisher drives. *publish.Deployer
// implements it.
type Chain interface {
	Address() common.Address
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (publish.DeployResult, error)
	DeployDeterministicViaArachnid(ctx context.Context, salt [32]byte, bytecode []byte, gasLimit uint64) (publish.DeployResult, error)
	DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error)
	DeployProxyDeferred(ctx context.Context, factory, implementation, admin common.Address, gasLimit uint64) (common.Hash, error)
	Transact(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ArtifactResolver interface {
	Resolve(name string) (*publish.Artifact, error)
}

type Config struct {
	Network string
	ChainID uint64
	RunID   string
	Params  Params

	// FactoryAddress pins an existing ERC1967Factory. When empty the
	// factory is placed deterministically through the Arachnid deployer.
	FactoryAddress    common.Address
	FactorySaltSuffix string

	Logger  *slog.Logger
	Metrics *publish.Metrics
	Now     func() time.Time
}

type Instance struct {
	Contract       Contract       `json:"contract" yaml:"contract"`
	Proxy          common.Address `json:"proxy" yaml:"proxy"`
	Implementation common.Address `json:"implementation,omitempty" yaml:"implementation,omitempty"`
	Existing       bool           `json:"existing" yaml:"existing"`
	Initialized    bool           `json:"initialized" yaml:"initialized"`

	entry manifest.Entry
}

type Tx struct {
	Step     string      `json:"step" yaml:"step"`
	Kind     string      `json:"kind" yaml:"kind"`
	Contract Contract    `json:"contract,omitempty" yaml:"contract,omitempty"`
	To       string      `json:"to,omitempty" yaml:"to,omitempty"`
	Hash     common.Hash `json:"hash" yaml:"hash"`
}

type Report struct {
	RunID       string      `json:"run_id" yaml:"run_id"`
	Network     string      `json:"network" yaml:"network"`
	ChainID     uint64      `json:"chain_id" yaml:"chain_id"`
	Deployer    string      `json:"deployer" yaml:"deployer"`
	Custody     string      `json:"custody" yaml:"custody"`
	Factory     string      `json:"factory,omitempty" yaml:"factory,omitempty"`
	Steps       []string    `json:"steps" yaml:"steps"`
	FailedStep  string      `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
	Instances   []*Instance `json:"instances" yaml:"instances"`
	Transferred []Contract  `json:"transferred,omitempty" yaml:"transferred,omitempty"`
	Txs         []Tx        `json:"transactions" yaml:"transactions"`
}

// Publisher holds the state shared by the steps of one run. It is not
// safe for concurrent use; transactions are issued one at a time.
type Publisher struct {
	chain     Chain
	registry  manifest.Registry
	artifacts ArtifactResolver
	cfg       Config
	logger    *slog.Logger

	resolved    map[Contract]*publish.Artifact
	factory     common.Address
	instances   map[Contract]*Instance
	initCalled  map[Contract]bool
	wired       map[Contract]bool
	transferred []Contract
	txs         []Tx
}

func NewPublisher(chain Chain, registry manifest.Registry, artifacts ArtifactResolver, cfg Config) (*Publisher, error) {
	cfg.Params.ApplyDefaults()
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Params.Admin == (common.Address{}) {
		cfg.Params.Admin = chain.Address()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunID != "" {
		logger = logger.With(slog.String("run_id", cfg.RunID))
	}

	return &Publisher{
		chain:      chain,
		registry:   registry,
		artifacts:  artifacts,
		cfg:        cfg,
		logger:     logger,
		resolved:   make(map[Contract]*publish.Artifact),
		instances:  make(map[Contract]*Instance),
		initCalled: make(map[Contract]bool),
		wired:      make(map[Contract]bool),
	}, nil
}

// Steps returns the full publication sequence.
func (p *Publisher) Steps() []Step {
	return []Step{
		{Name: "artifacts", Run: p.resolveArtifacts},
		{Name: "proxies", Run: p.resolveProxies},
		{Name: "initialize", Run: p.initializeAll},
		{Name: "wiring", Run: p.wireAll},
		{Name: "ownership", Run: p.transferAll},
	}
}

// Run executes every step and always returns a report, including on
// failure, so partial progress can be inspected.
func (p *Publisher) Run(ctx context.Context) (*Report, error) {
	completed, err := NewRunner(p.logger, p.cfg.Metrics).Run(ctx, p.Steps())
	report := p.Report(completed)
	if err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			report.FailedStep = stepErr.Step
		}
		report.Error = err.Error()
	}
	return report, err
}

func (p *Publisher) Report(completed []string) *Report {
	r := &Report{
		RunID:       p.cfg.RunID,
		Network:     p.cfg.Network,
		ChainID:     p.cfg.ChainID,
		Deployer:    p.chain.Address().Hex(),
		Custody:     p.cfg.Params.Custody.Hex(),
		Steps:       completed,
		Transferred: append([]Contract(nil), p.transferred...),
		Txs:         append([]Tx(nil), p.txs...),
	}
	if p.factory != (common.Address{}) {
		r.Factory = p.factory.Hex()
	}
	for _, c := range Contracts {
		if inst, ok := p.instances[c]; ok {
			r.Instances = append(r.Instances, inst)
		}
	}
	return r
}

// Instance returns the resolved instance for c, if any.
func (p *Publisher) Instance(c Contract) (*Instance, bool) {
	inst, ok := p.instances[c]
	return inst, ok
}

func (p *Publisher) gas(def uint64) uint64 {
	if p.cfg.Params.GasLimit > 0 {
		return p.cfg.Params.GasLimit
	}
	return def
}

func (p *Publisher) addresses() map[Contract]common.Address {
	out := make(map[Contract]common.Address, len(p.instances))
	for c, inst := range p.instances {
		out[c] = inst.Proxy
	}
	return out
}

// resolveArtifacts loads all four descriptors and checks that every call
// the run can make exists in their ABIs, before any transaction is sent.
func (p *Publisher) resolveArtifacts(ctx context.Context) error {
	placeholder := common.HexToAddress("0x0000000000000000000000000000000000000001")
	dummy := map[Contract]common.Address{}
	for _, c := range Contracts {
		dummy[c] = placeholder
	}

	for _, c := range Contracts {
		a, err := p.artifacts.Resolve(string(c))
		if err != nil {
			return fmt.Errorf("resolve %s artifact: %w", c, err)
		}
		initData, err := encodeInit(c, p.cfg.Params, dummy)
		if err != nil {
			return err
		}
		if !a.HasMethod(initData) {
			return fmt.Errorf("%s artifact has no initializer matching %x", c, initData[:4])
		}
		p.resolved[c] = a
	}

	for _, call := range wiringCalls(p.cfg.Params, dummy) {
		data, err := call.encode()
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", call.target, call.kind, err)
		}
		if !p.resolved[call.target].HasMethod(data) {
			return fmt.Errorf("%s artifact has no %s", call.target, call.kind)
		}
	}
	return nil
}

// resolveProxies binds every contract to a registered proxy or deploys a
// fresh, uninitialized one. Only manifest.ErrNotFound leads to a deploy;
// any other lookup failure aborts.
func (p *Publisher) resolveProxies(ctx context.Context) error {
	for _, c := range Contracts {
		entry, err := p.registry.Lookup(ctx, string(c))
		switch {
		case err == nil:
			p.instances[c] = &Instance{
				Contract:       c,
				Proxy:          entry.Proxy,
				Implementation: entry.Implementation,
				Existing:       true,
				Initialized:    entry.Initialized,
				entry:          entry,
			}
			p.logger.Info("proxy already deployed",
				slog.String("contract", string(c)),
				slog.String("proxy", entry.Proxy.Hex()),
				slog.Bool("initialized", entry.Initialized),
			)
			continue
		case errors.Is(err, manifest.ErrNotFound):
		default:
			return fmt.Errorf("lookup %s: %w", c, err)
		}

		inst, err := p.deployDeferred(ctx, c)
		if err != nil {
			return err
		}
		p.instances[c] = inst
	}
	return nil
}

func (p *Publisher) deployDeferred(ctx context.Context, c Contract) (*Instance, error) {
	factory, err := p.ensureFactory(ctx)
	if err != nil {
		return nil, err
	}
	implAddr, err := p.deployImplementation(ctx, "proxies", c)
	if err != nil {
		return nil, err
	}

	txHash, err := p.chain.DeployProxyDeferred(ctx, factory, implAddr, p.cfg.Params.Admin, p.gas(publish.ProxyGasLimit))
	if err != nil {
		return nil, fmt.Errorf("deploy %s proxy: %w", c, err)
	}
	receipt, err := p.confirm(ctx, "proxies", "proxy", c, factory, txHash)
	if err != nil {
		return nil, err
	}
	proxyAddr, err := publish.ProxyAddressFromReceipt(receipt, factory)
	if err != nil {
		return nil, fmt.Errorf("%s proxy: %w", c, err)
	}

	inst := &Instance{Contract: c, Proxy: proxyAddr, Implementation: implAddr}
	inst.entry = manifest.Entry{
		Name:           string(c),
		Proxy:          proxyAddr,
		Implementation: implAddr,
		TxHash:         txHash,
		DeployedAt:     p.cfg.Now().UTC(),
		UpdatedAt:      p.cfg.Now().UTC(),
		RunID:          p.cfg.RunID,
	}
	if receipt.BlockNumber != nil {
		inst.entry.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if err := p.registry.Record(ctx, inst.entry); err != nil {
		return nil, fmt.Errorf("record %s: %w", c, err)
	}

	p.logger.Info("proxy deployed",
		slog.String("contract", string(c)),
		slog.String("proxy", proxyAddr.Hex()),
		slog.String("implementation", implAddr.Hex()),
	)
	return inst, nil
}

func (p *Publisher) deployImplementation(ctx context.Context, step string, c Contract) (common.Address, error) {
	a, ok := p.resolved[c]
	if !ok {
		var err error
		if a, err = p.artifacts.Resolve(string(c)); err != nil {
			return common.Address{}, fmt.Errorf("resolve %s artifact: %w", c, err)
		}
		p.resolved[c] = a
	}
	if len(a.Bytecode) == 0 {
		return common.Address{}, fmt.Errorf("%s artifact has no bytecode", c)
	}

	result, err := p.chain.DeployImplementation(ctx, a.Bytecode, p.gas(implGasLimit(c)))
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s implementation: %w", c, err)
	}
	if _, err := p.confirm(ctx, step, "implementation", c, common.Address{}, result.TxHash); err != nil {
		return common.Address{}, err
	}
	return result.ContractAddress, nil
}

// ensureFactory binds the configured ERC1967Factory or places one at its
// CREATE2 address, reusing it when code is already there.
func (p *Publisher) ensureFactory(ctx context.Context) (common.Address, error) {
	if p.factory != (common.Address{}) {
		return p.factory, nil
	}

	if p.cfg.FactoryAddress != (common.Address{}) {
		code, err := p.chain.CodeAt(ctx, p.cfg.FactoryAddress)
		if err != nil {
			return common.Address{}, err
		}
		if len(code) == 0 {
			return common.Address{}, fmt.Errorf("factory address %s has no code", p.cfg.FactoryAddress.Hex())
		}
		p.factory = p.cfg.FactoryAddress
		return p.factory, nil
	}

	a, err := p.artifacts.Resolve(erc1967factory.Name())
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve factory artifact: %w", err)
	}
	salt := publish.GenerateSalt(p.chain.Address(), p.factorySaltName())
	predicted := publish.PredictCreate2Address(publish.ArachnidCreate2Factory, salt, a.Bytecode)
	code, err := p.chain.CodeAt(ctx, predicted)
	if err != nil {
		return common.Address{}, err
	}
	if len(code) > 0 {
		p.factory = predicted
		return p.factory, nil
	}

	result, err := p.chain.DeployDeterministicViaArachnid(ctx, salt, a.Bytecode, p.gas(erc1967factory.GasLimit))
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy factory: %w", err)
	}
	if _, err := p.confirm(ctx, "factory", "factory", "", publish.ArachnidCreate2Factory, result.TxHash); err != nil {
		return common.Address{}, err
	}
	p.logger.Info("factory deployed", slog.String("factory", result.ContractAddress.Hex()))
	p.factory = result.ContractAddress
	return p.factory, nil
}

// EnsureFactory is ensureFactory for callers outside a run.
func (p *Publisher) EnsureFactory(ctx context.Context) (common.Address, error) {
	return p.ensureFactory(ctx)
}

func (p *Publisher) factorySaltName() string {
	name := erc1967factory.Name()
	if s := strings.TrimSpace(p.cfg.FactorySaltSuffix); s != "" {
		name = name + ":" + s
	}
	return name
}

// initializeAll calls each pending initializer exactly once. Instances
// recorded as initialized, or found initialized on chain, are skipped.
func (p *Publisher) initializeAll(ctx context.Context) error {
	if err := p.requireResolved(); err != nil {
		return err
	}
	addrs := p.addresses()

	for _, c := range Contracts {
		inst := p.instances[c]
		if inst.Initialized {
			p.logger.Info("already initialized", slog.String("contract", string(c)))
			continue
		}
		if p.initCalled[c] {
			return fmt.Errorf("%s: initializer already called in this run: %w", c, ErrOutOfOrder)
		}
		if inst.Existing {
			done, err := p.initializedOnChain(ctx, inst)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		}

		data, err := encodeInit(c, p.cfg.Params, addrs)
		if err != nil {
			return err
		}
		p.initCalled[c] = true

		if _, err := p.send(ctx, "initialize", "initialize", c, inst.Proxy, data, p.gas(InitializeGasLimit)); err != nil {
			return fmt.Errorf("initialize %s: %w", c, err)
		}
		inst.Initialized = true

		if err := p.markInitialized(ctx, inst); err != nil {
			return err
		}
		p.logger.Info("initialized", slog.String("contract", string(c)))
	}
	return nil
}

// initializedOnChain catches a registry entry whose initialized flag was
// never recorded: an initialized contract has a non-zero owner.
func (p *Publisher) initializedOnChain(ctx context.Context, inst *Instance) (bool, error) {
	owner, err := p.owner(ctx, inst.Contract)
	if err != nil {
		return false, err
	}
	if owner == (common.Address{}) {
		return false, nil
	}
	p.logger.Warn("registry entry not marked initialized, contract already has an owner",
		slog.String("contract", string(inst.Contract)),
		slog.String("owner", owner.Hex()),
	)
	inst.Initialized = true
	if err := p.markInitialized(ctx, inst); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Publisher) markInitialized(ctx context.Context, inst *Instance) error {
	entry := inst.entry
	if entry.Name == "" {
		entry = manifest.Entry{Name: string(inst.Contract), Proxy: inst.Proxy, Implementation: inst.Implementation}
	}
	entry.Initialized = true
	entry.UpdatedAt = p.cfg.Now().UTC()
	if entry.RunID == "" {
		entry.RunID = p.cfg.RunID
	}
	if err := p.registry.Record(ctx, entry); err != nil {
		return fmt.Errorf("record %s: %w", inst.Contract, err)
	}
	inst.entry = entry
	return nil
}

func (p *Publisher) requireResolved() error {
	for _, c := range Contracts {
		if _, ok := p.instances[c]; !ok {
			return fmt.Errorf("%s is not resolved: %w", c, ErrOutOfOrder)
		}
	}
	return nil
}

// wireAll registers the distributor and staking addresses in both tokens.
// A token already owned by custody was wired by an earlier run, unless a
// contract it points at was deployed again in this one.
func (p *Publisher) wireAll(ctx context.Context) error {
	if err := p.requireResolved(); err != nil {
		return err
	}
	for _, c := range Contracts {
		if !p.instances[c].Initialized {
			return fmt.Errorf("%s is not initialized: %w", c, ErrOutOfOrder)
		}
	}

	handedOver := map[Contract]bool{}
	for _, c := range []Contract{DAAR, DAARION} {
		held, err := p.checkControl(ctx, c)
		if err != nil {
			return err
		}
		handedOver[c] = held
	}

	calls := wiringCalls(p.cfg.Params, p.addresses())
	if err := p.checkHandedOverWiring(calls, handedOver); err != nil {
		return err
	}

	for _, call := range calls {
		if handedOver[call.target] {
			p.logger.Warn("custody already owns contract, skipping wiring",
				slog.String("contract", string(call.target)),
				slog.String("call", call.kind),
			)
			continue
		}
		data, err := call.encode()
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", call.target, call.kind, err)
		}
		if _, err := p.send(ctx, "wiring", call.kind, call.target, p.instances[call.target].Proxy, data, p.gas(call.gasLimit)); err != nil {
			return fmt.Errorf("%s %s: %w", call.target, call.kind, err)
		}
	}

	for _, c := range Contracts {
		p.wired[c] = true
	}
	return nil
}

// checkHandedOverWiring fails when a custody-owned token would have to
// register a proxy deployed in this run. The signer can no longer call its
// setters, so custody has to.
func (p *Publisher) checkHandedOverWiring(calls []wiringCall, handedOver map[Contract]bool) error {
	var pending []string
	for _, call := range calls {
		if !handedOver[call.target] {
			continue
		}
		for _, ref := range call.refs {
			if !p.instances[ref].Existing {
				pending = append(pending, fmt.Sprintf("%s.%s", call.target, call.kind))
				break
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	p.logger.Error("custody must rewire handed over contracts",
		slog.String("calls", strings.Join(pending, ",")),
		slog.String("custody", p.cfg.Params.Custody.Hex()),
	)
	return fmt.Errorf("custody owns tokens that reference redeployed contracts, custody must call %s: %w",
		strings.Join(pending, ", "), ErrNotOwner)
}

// checkControl reports whether custody already owns c. It fails with
// ErrNotOwner when neither the signer nor custody does.
func (p *Publisher) checkControl(ctx context.Context, c Contract) (bool, error) {
	owner, err := p.owner(ctx, c)
	if err != nil {
		return false, err
	}
	switch owner {
	case p.chain.Address():
		return false, nil
	case p.cfg.Params.Custody:
		return true, nil
	default:
		return false, fmt.Errorf("%s owned by %s: %w", c, owner.Hex(), ErrNotOwner)
	}
}

func (p *Publisher) owner(ctx context.Context, c Contract) (common.Address, error) {
	data, err := ownable.EncodeOwner()
	if err != nil {
		return common.Address{}, err
	}
	out, err := p.chain.Call(ctx, p.instances[c].Proxy, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("read %s owner: %w", c, err)
	}
	owner, err := ownable.DecodeOwner(out)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode %s owner: %w", c, err)
	}
	return owner, nil
}

// transferAll hands every contract to custody in publication order. A
// failure midway is not rolled back; the transferred list is logged for
// manual remediation.
func (p *Publisher) transferAll(ctx context.Context) error {
	for _, c := range Contracts {
		if !p.wired[c] {
			return fmt.Errorf("%s is not wired: %w", c, ErrOutOfOrder)
		}
	}

	for _, c := range Contracts {
		held, err := p.checkControl(ctx, c)
		if err == nil && held {
			p.logger.Info("custody already owns contract", slog.String("contract", string(c)))
			p.transferred = append(p.transferred, c)
			continue
		}
		if err == nil {
			err = p.transferOwnership(ctx, c)
		}
		if err != nil {
			p.logger.Error("ownership transfer incomplete, manual remediation required",
				slog.String("contract", string(c)),
				slog.String("transferred", joinContracts(p.transferred)),
				slog.String("error", err.Error()),
			)
			return err
		}
		p.transferred = append(p.transferred, c)
	}

	if p.cfg.Params.TransferProxyAdmin {
		return p.transferProxyAdmins(ctx)
	}
	return nil
}

func (p *Publisher) transferOwnership(ctx context.Context, c Contract) error {
	if p.cfg.Params.Custody == p.chain.Address() {
		return nil
	}
	data, err := ownable.EncodeTransferOwnership(p.cfg.Params.Custody)
	if err != nil {
		return err
	}
	if _, err := p.send(ctx, "ownership", "transferOwnership", c, p.instances[c].Proxy, data, p.gas(ownable.TransferGasLimit)); err != nil {
		return fmt.Errorf("transfer %s ownership: %w", c, err)
	}
	p.logger.Info("ownership transferred",
		slog.String("contract", string(c)),
		slog.String("custody", p.cfg.Params.Custody.Hex()),
	)
	return nil
}

// transferProxyAdmins moves the ERC1967 admin of every proxy the signer
// still administers to custody.
func (p *Publisher) transferProxyAdmins(ctx context.Context) error {
	factory, err := p.ensureFactory(ctx)
	if err != nil {
		return err
	}
	for _, c := range Contracts {
		proxy := p.instances[c].Proxy
		query, err := erc1967factory.EncodeAdminOf(proxy)
		if err != nil {
			return err
		}
		out, err := p.chain.Call(ctx, factory, query)
		if err != nil {
			return fmt.Errorf("read %s proxy admin: %w", c, err)
		}
		admin, err := erc1967factory.DecodeAdminOf(out)
		if err != nil {
			return fmt.Errorf("decode %s proxy admin: %w", c, err)
		}

		switch admin {
		case p.cfg.Params.Custody:
			continue
		case p.chain.Address():
		default:
			p.logger.Warn("proxy admin not held by signer, skipping",
				slog.String("contract", string(c)),
				slog.String("admin", admin.Hex()),
			)
			continue
		}

		data, err := erc1967factory.EncodeChangeAdmin(proxy, p.cfg.Params.Custody)
		if err != nil {
			return err
		}
		if _, err := p.send(ctx, "ownership", "changeAdmin", c, factory, data, p.gas(erc1967factory.ChangeAdminGasLimit)); err != nil {
			return fmt.Errorf("change %s proxy admin: %w", c, err)
		}
	}
	return nil
}

// PublishOne deploys a single contract behind a proxy initialized in the
// creation transaction. The addresses it depends on come from the registry.
func (p *Publisher) PublishOne(ctx context.Context, c Contract) (*Instance, error) {
	for _, other := range Contracts {
		entry, err := p.registry.Lookup(ctx, string(other))
		if errors.Is(err, manifest.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", other, err)
		}
		p.instances[other] = &Instance{
			Contract:       other,
			Proxy:          entry.Proxy,
			Implementation: entry.Implementation,
			Existing:       true,
			Initialized:    entry.Initialized,
			entry:          entry,
		}
	}
	if inst, ok := p.instances[c]; ok {
		p.logger.Info("proxy already deployed",
			slog.String("contract", string(c)),
			slog.String("proxy", inst.Proxy.Hex()),
		)
		return inst, nil
	}

	initData, err := encodeInit(c, p.cfg.Params, p.addresses())
	if err != nil {
		return nil, err
	}
	factory, err := p.ensureFactory(ctx)
	if err != nil {
		return nil, err
	}
	implAddr, err := p.deployImplementation(ctx, "publish-one", c)
	if err != nil {
		return nil, err
	}

	txHash, err := p.chain.DeployProxy(ctx, factory, implAddr, p.cfg.Params.Admin, initData, p.gas(publish.ProxyGasLimit))
	if err != nil {
		return nil, fmt.Errorf("deploy %s proxy: %w", c, err)
	}
	receipt, err := p.confirm(ctx, "publish-one", "proxy", c, factory, txHash)
	if err != nil {
		return nil, err
	}
	proxyAddr, err := publish.ProxyAddressFromReceipt(receipt, factory)
	if err != nil {
		return nil, fmt.Errorf("%s proxy: %w", c, err)
	}

	now := p.cfg.Now().UTC()
	inst := &Instance{Contract: c, Proxy: proxyAddr, Implementation: implAddr, Initialized: true}
	inst.entry = manifest.Entry{
		Name:           string(c),
		Proxy:          proxyAddr,
		Implementation: implAddr,
		TxHash:         txHash,
		Initialized:    true,
		DeployedAt:     now,
		UpdatedAt:      now,
		RunID:          p.cfg.RunID,
	}
	if receipt.BlockNumber != nil {
		inst.entry.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if err := p.registry.Record(ctx, inst.entry); err != nil {
		return nil, fmt.Errorf("record %s: %w", c, err)
	}
	p.instances[c] = inst

	// deployAndCall runs the initializer with the factory as msg.sender.
	if owner, err := p.owner(ctx, c); err == nil && owner == factory {
		p.logger.Warn("initializer made the factory owner",
			slog.String("contract", string(c)),
			slog.String("factory", factory.Hex()),
		)
	}
	return inst, nil
}

func (p *Publisher) send(ctx context.Context, step, kind string, c Contract, to common.Address, data []byte, gasLimit uint64) (*types.Receipt, error) {
	txHash, err := p.chain.Transact(ctx, to, data, gasLimit)
	if err != nil {
		return nil, err
	}
	return p.confirm(ctx, step, kind, c, to, txHash)
}

func (p *Publisher) confirm(ctx context.Context, step, kind string, c Contract, to common.Address, txHash common.Hash) (*types.Receipt, error) {
	tx := Tx{Step: step, Kind: kind, Contract: c, Hash: txHash}
	if to != (common.Address{}) {
		tx.To = to.Hex()
	}
	p.txs = append(p.txs, tx)
	p.cfg.Metrics.ObserveCall(kind, string(c))

	receipt, err := p.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("wait %s %s: %w", c, kind, err)
	}
	if err := publish.CheckReceipt(receipt); err != nil {
		return nil, fmt.Errorf("%s %s: %w", c, kind, err)
	}
	p.logger.Info("transaction confirmed",
		slog.String("kind", kind),
		slog.String("contract", string(c)),
		slog.String("tx_hash", txHash.Hex()),
	)
	return receipt, nil
}

func joinContracts(cs []Contract) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
