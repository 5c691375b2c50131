package publish

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrAmbiguousArtifact = errors.New("artifact name is ambiguous")
	ErrUnlinkedBytecode  = errors.New("bytecode has unlinked library references")
)

// Artifact is a compiled contract as emitted by Hardhat
// (artifacts/<source>/<Name>.json).
type Artifact struct {
	ContractName string
	SourceName   string
	ABI          abi.ABI
	RawABI       json.RawMessage
	Bytecode     []byte
}

type hardhatArtifact struct {
	Format       string          `json:"_format"`
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

func LoadArtifact(path string) (*Artifact, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(blob)
}

func ParseArtifact(blob []byte) (*Artifact, error) {
	var raw hardhatArtifact
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if raw.ContractName == "" {
		return nil, errors.New("decode artifact: missing contractName")
	}

	parsed, err := abi.JSON(bytes.NewReader(raw.ABI))
	if err != nil {
		return nil, fmt.Errorf("parse %s abi: %w", raw.ContractName, err)
	}

	if strings.Contains(raw.Bytecode, "__$") {
		return nil, fmt.Errorf("%s: %w", raw.ContractName, ErrUnlinkedBytecode)
	}
	var code []byte
	if raw.Bytecode != "" && raw.Bytecode != "0x" {
		code, err = hexutil.Decode(raw.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("decode %s bytecode: %w", raw.ContractName, err)
		}
	}

	return &Artifact{
		ContractName: raw.ContractName,
		SourceName:   raw.SourceName,
		ABI:          parsed,
		RawABI:       raw.ABI,
		Bytecode:     code,
	}, nil
}

// HasMethod reports whether the ABI declares a function whose selector
// is the first four bytes of calldata.
func (a *Artifact) HasMethod(calldata []byte) bool {
	if len(calldata) < 4 {
		return false
	}
	_, err := a.ABI.MethodById(calldata[:4])
	return err == nil
}

// ArtifactStore resolves contract names against a Hardhat artifacts
// directory. Build-info and debug files are ignored. Results are cached.
type ArtifactStore struct {
	root string

	mu    sync.Mutex
	index map[string][]string
	cache map[string]*Artifact
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{
		root:  root,
		cache: make(map[string]*Artifact),
	}
}

func (s *ArtifactStore) Root() string {
	return s.root
}

// Resolve accepts a bare contract name ("DAAR") or a fully qualified one
// ("contracts/DAAR.sol:DAAR").
func (s *ArtifactStore) Resolve(name string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.cache[name]; ok {
		return a, nil
	}
	if err := s.buildIndex(); err != nil {
		return nil, err
	}

	source, contract := "", name
	if i := strings.LastIndex(name, ":"); i >= 0 {
		source, contract = name[:i], name[i+1:]
	}

	var matches []string
	for _, path := range s.index[contract] {
		if source == "" || filepath.ToSlash(filepath.Dir(path)) == filepath.ToSlash(filepath.Join(s.root, source)) {
			matches = append(matches, path)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s in %s: %w", name, s.root, ErrArtifactNotFound)
	case 1:
	default:
		return nil, fmt.Errorf("%s (%d candidates, use source:name): %w", name, len(matches), ErrAmbiguousArtifact)
	}

	a, err := LoadArtifact(matches[0])
	if err != nil {
		return nil, err
	}
	s.cache[name] = a
	return a, nil
}

func (s *ArtifactStore) buildIndex() error {
	if s.index != nil {
		return nil
	}
	index := make(map[string][]string)
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		base := entry.Name()
		if filepath.Ext(base) != ".json" || strings.HasSuffix(base, ".dbg.json") {
			return nil
		}
		name := strings.TrimSuffix(base, ".json")
		index[name] = append(index[name], path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan artifacts %s: %w", s.root, err)
	}
	s.index = index
	return nil
}
