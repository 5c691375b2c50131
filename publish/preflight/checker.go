// Package preflight checks that a network is ready for a publication run
// before any transaction is sent.
package preflight

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultTimeout bounds all RPC calls of one RunChecks.
const DefaultTimeout = 10 * time.Second

type CheckName string

const (
	CheckRPCReachable    CheckName = "rpc_reachable"
	CheckChainIDMatch    CheckName = "chain_id_match"
	CheckDeployerBalance CheckName = "deployer_balance"
	CheckCustodyCode     CheckName = "custody_code"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type CheckResult struct {
	Name     CheckName      `json:"name" yaml:"name"`
	Passed   bool           `json:"passed" yaml:"passed"`
	Severity Severity       `json:"severity" yaml:"severity"`
	Message  string         `json:"message" yaml:"message"`
	Details  map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// Client is the read side of the chain. *publish.Deployer implements it.
type Client interface {
	ChainID(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

type Request struct {
	ChainID  uint64
	Deployer common.Address
	Custody  common.Address
	// RequiredWei is the balance the deployer needs for a fresh run.
	RequiredWei *big.Int
}

type Response struct {
	OK          bool          `json:"ok" yaml:"ok"`
	Checks      []CheckResult `json:"checks" yaml:"checks"`
	Deployer    string        `json:"deployer" yaml:"deployer"`
	RequiredETH string        `json:"required_eth" yaml:"required_eth"`
	BalanceETH  string        `json:"balance_eth,omitempty" yaml:"balance_eth,omitempty"`
}

type Checker struct {
	timeout time.Duration
}

func NewChecker() *Checker {
	return &Checker{timeout: DefaultTimeout}
}

func (c *Checker) WithTimeout(timeout time.Duration) *Checker {
	c.timeout = timeout
	return c
}

// RunChecks runs every check against client. Failed checks are reported
// in the response; the error is reserved for an invalid request. Warnings
// do not clear OK.
func (c *Checker) RunChecks(ctx context.Context, client Client, req *Request) (*Response, error) {
	if err := c.validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &Response{
		OK:          true,
		Checks:      make([]CheckResult, 0, 4),
		Deployer:    req.Deployer.Hex(),
		RequiredETH: WeiToETHString(req.RequiredWei),
	}
	add := func(r CheckResult) {
		resp.Checks = append(resp.Checks, r)
		if !r.Passed && r.Severity == SeverityError {
			resp.OK = false
		}
	}

	chainID, reachable := c.checkReachable(ctx, client)
	add(reachable)
	if !reachable.Passed {
		return resp, nil
	}
	add(c.checkChainIDMatch(chainID, req.ChainID))

	balance := c.checkDeployerBalance(ctx, client, req.Deployer, req.RequiredWei)
	add(balance)
	if have, ok := balance.Details["have_eth"].(string); ok {
		resp.BalanceETH = have
	}

	add(c.checkCustodyCode(ctx, client, req.Custody))
	return resp, nil
}

func (c *Checker) validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("request is required")
	}
	if req.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if req.Deployer == (common.Address{}) {
		return fmt.Errorf("deployer address is required")
	}
	if req.Custody == (common.Address{}) {
		return fmt.Errorf("custody address is required")
	}
	if req.RequiredWei == nil || req.RequiredWei.Sign() < 0 {
		return fmt.Errorf("required funding must be non-negative")
	}
	return nil
}

func (c *Checker) checkReachable(ctx context.Context, client Client) (uint64, CheckResult) {
	result := CheckResult{Name: CheckRPCReachable, Severity: SeverityError}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("RPC connection failed: %v", err)
		result.Details = map[string]any{"error": err.Error()}
		return 0, result
	}
	result.Passed = true
	result.Message = "Connected to RPC successfully"
	return chainID, result
}

func (c *Checker) checkChainIDMatch(actual, expected uint64) CheckResult {
	result := CheckResult{Name: CheckChainIDMatch, Severity: SeverityError}
	if actual != expected {
		result.Message = fmt.Sprintf("Chain ID mismatch: expected %d, got %d", expected, actual)
		result.Details = map[string]any{"expected": expected, "actual": actual}
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("Chain ID %d confirmed", expected)
	result.Details = map[string]any{"chain_id": expected}
	return result
}

func (c *Checker) checkDeployerBalance(ctx context.Context, client Client, deployer common.Address, required *big.Int) CheckResult {
	result := CheckResult{Name: CheckDeployerBalance, Severity: SeverityError}

	balance, err := client.BalanceAt(ctx, deployer)
	if err != nil {
		result.Message = fmt.Sprintf("Failed to get deployer balance: %v", err)
		result.Details = map[string]any{"error": err.Error()}
		return result
	}

	have, need := WeiToETHString(balance), WeiToETHString(required)
	result.Details = map[string]any{
		"have_wei": balance.String(),
		"need_wei": required.String(),
		"have_eth": have,
		"need_eth": need,
	}
	if balance.Cmp(required) < 0 {
		result.Message = fmt.Sprintf("Insufficient deployer balance: have %s, need %s", have, need)
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("Deployer has sufficient balance: %s", have)
	return result
}

// checkCustodyCode warns when custody is an EOA. Handing ownership to a
// multisig is the expected setup but not a requirement.
func (c *Checker) checkCustodyCode(ctx context.Context, client Client, custody common.Address) CheckResult {
	result := CheckResult{Name: CheckCustodyCode, Severity: SeverityWarning}

	code, err := client.CodeAt(ctx, custody)
	if err != nil {
		result.Severity = SeverityError
		result.Message = fmt.Sprintf("Failed to get custody code: %v", err)
		result.Details = map[string]any{"error": err.Error()}
		return result
	}
	result.Details = map[string]any{"custody": custody.Hex(), "code_size": len(code)}
	if len(code) == 0 {
		result.Message = fmt.Sprintf("Custody %s has no code, ownership will go to an externally owned account", custody.Hex())
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("Custody %s is a contract", custody.Hex())
	return result
}

// RequiredFunding is the cost of gas units at the given price.
func RequiredFunding(gas uint64, price *big.Int) *big.Int {
	if price == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
}

// WeiToETHString renders wei in whole native units with four decimals.
func WeiToETHString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18))
	return eth.Text('f', 4)
}
