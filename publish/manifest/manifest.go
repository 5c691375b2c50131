// Package manifest records which proxies have been published on a
// network so that repeated runs bind to them instead of redeploying.
package manifest

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is the only error a Registry returns for an absent entry.
// Any other Lookup error is a failed lookup and must not be read as absence.
var ErrNotFound = errors.New("manifest entry not found")

type Entry struct {
	Name           string         `json:"name"`
	Proxy          common.Address `json:"proxy"`
	Implementation common.Address `json:"implementation,omitempty"`
	TxHash         common.Hash    `json:"txHash,omitempty"`
	BlockNumber    uint64         `json:"blockNumber,omitempty"`
	Initialized    bool           `json:"initialized"`
	DeployedAt     time.Time      `json:"deployedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt,omitempty"`
	RunID          string         `json:"runId,omitempty"`
}

type Registry interface {
	Lookup(ctx context.Context, name string) (Entry, error)
	Record(ctx context.Context, entry Entry) error
}

// CodeReader is the slice of the chain client needed to verify entries.
type CodeReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// Layered consults registries in order. The first hit wins; ErrNotFound
// falls through to the next registry and any other error stops the lookup.
// Record goes to the writable registry only.
type Layered struct {
	readers  []Registry
	writable Registry
}

func NewLayered(writable Registry, overlays ...Registry) *Layered {
	readers := append([]Registry{}, overlays...)
	if writable != nil {
		readers = append(readers, writable)
	}
	return &Layered{readers: readers, writable: writable}
}

func (l *Layered) Lookup(ctx context.Context, name string) (Entry, error) {
	for _, r := range l.readers {
		entry, err := r.Lookup(ctx, name)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
	}
	return Entry{}, ErrNotFound
}

func (l *Layered) Record(ctx context.Context, entry Entry) error {
	if l.writable == nil {
		return nil
	}
	return l.writable.Record(ctx, entry)
}

// CodeVerified drops entries whose proxy has no code on chain, which
// happens when a development chain is reset under an old manifest.
type CodeVerified struct {
	Registry
	chain CodeReader
}

func NewCodeVerified(r Registry, chain CodeReader) *CodeVerified {
	return &CodeVerified{Registry: r, chain: chain}
}

func (c *CodeVerified) Lookup(ctx context.Context, name string) (Entry, error) {
	entry, err := c.Registry.Lookup(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	code, err := c.chain.CodeAt(ctx, entry.Proxy)
	if err != nil {
		return Entry{}, err
	}
	if len(code) == 0 {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}
