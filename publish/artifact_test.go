package publish

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const daarABI = `[
  {"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[
    {"name":"_distributor","type":"address"},{"name":"_fee","type":"uint256"},
    {"name":"_wallet1","type":"address"},{"name":"_staking","type":"address"}],"outputs":[]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

func hardhatJSON(name, source, bytecode string) string {
	return `{"_format":"hh-sol-artifact-1","contractName":"` + name + `","sourceName":"` + source +
		`","abi":` + daarABI + `,"bytecode":"` + bytecode + `","deployedBytecode":"0x"}`
}

func writeArtifact(t *testing.T, root, source, name, bytecode string) string {
	t.Helper()
	dir := filepath.Join(root, source)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".json")
	require.NoError(t, os.WriteFile(path, []byte(hardhatJSON(name, source, bytecode)), 0o644))
	return path
}

func TestParseArtifact(t *testing.T) {
	a, err := ParseArtifact([]byte(hardhatJSON("DAAR", "contracts/DAAR.sol", "0x6080604052")))
	require.NoError(t, err)

	assert.Equal(t, "DAAR", a.ContractName)
	assert.Equal(t, "contracts/DAAR.sol", a.SourceName)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, a.Bytecode)
	assert.Contains(t, a.ABI.Methods, "initialize")
	assert.JSONEq(t, daarABI, string(a.RawABI))
}

func TestParseArtifact_Errors(t *testing.T) {
	tests := []struct {
		name string
		blob string
		want error
	}{
		{name: "not json", blob: "{"},
		{name: "missing name", blob: `{"abi":[],"bytecode":"0x"}`},
		{name: "bad abi", blob: `{"contractName":"X","abi":{"type":1},"bytecode":"0x"}`},
		{name: "bad bytecode", blob: `{"contractName":"X","abi":[],"bytecode":"0xzz"}`},
		{
			name: "unlinked library",
			blob: `{"contractName":"X","abi":[],"bytecode":"0x6080__$1234567890abcdef1234567890abcdef12$__"}`,
			want: ErrUnlinkedBytecode,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseArtifact([]byte(tc.blob))
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestParseArtifact_InterfaceHasNoBytecode(t *testing.T) {
	a, err := ParseArtifact([]byte(`{"contractName":"IERC20","abi":[],"bytecode":"0x"}`))
	require.NoError(t, err)
	assert.Empty(t, a.Bytecode)
}

func TestArtifact_HasMethod(t *testing.T) {
	a, err := ParseArtifact([]byte(hardhatJSON("DAAR", "contracts/DAAR.sol", "0x60")))
	require.NoError(t, err)

	calldata := append([]byte{}, a.ABI.Methods["initialize"].ID...)
	calldata = append(calldata, make([]byte, 128)...)
	assert.True(t, a.HasMethod(calldata))
	assert.False(t, a.HasMethod([]byte{0xde, 0xad, 0xbe, 0xef}))
	assert.False(t, a.HasMethod([]byte{0x01}))
}

func TestArtifactStore_Resolve(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "contracts/DAAR.sol", "DAAR", "0x6001")
	writeArtifact(t, root, "contracts/DAARION.sol", "DAARION", "0x6002")
	writeArtifact(t, root, "contracts/mocks/DAARION.sol", "DAARION", "0x6003")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build-info"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build-info", "DAAR.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "contracts/DAAR.sol", "DAAR.dbg.json"), []byte("{}"), 0o644))

	s := NewArtifactStore(root)
	assert.Equal(t, root, s.Root())

	a, err := s.Resolve("DAAR")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01}, a.Bytecode)

	cached, err := s.Resolve("DAAR")
	require.NoError(t, err)
	assert.Same(t, a, cached)

	_, err = s.Resolve("DAARION")
	assert.ErrorIs(t, err, ErrAmbiguousArtifact)

	qualified, err := s.Resolve("contracts/mocks/DAARION.sol:DAARION")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x03}, qualified.Bytecode)

	_, err = s.Resolve("APRStaking")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactStore_MissingRoot(t *testing.T) {
	_, err := NewArtifactStore(filepath.Join(t.TempDir(), "absent")).Resolve("DAAR")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrArtifactNotFound)
}
