package venue

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Throwaway dev key, never funded.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func testAction() map[string]any {
	return map[string]any{
		"type":     "order",
		"grouping": "na",
		"orders": []any{map[string]any{
			"a": 0,
			"b": true,
			"p": "50000",
			"s": "0.5",
			"r": false,
			"t": map[string]any{"limit": map[string]any{"tif": "Ioc"}},
		}},
	}
}

func TestNewActionSignerAddress(t *testing.T) {
	s, err := NewActionSigner(testPrivateKey, "")
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address().Hex())

	// 0x prefix is tolerated.
	s2, err := NewActionSigner("0x"+testPrivateKey, "")
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())
}

func TestNewActionSignerRejectsGarbage(t *testing.T) {
	_, err := NewActionSigner("not-a-key", "")
	assert.Error(t, err)
}

func TestSignActionDeterministic(t *testing.T) {
	s, err := NewActionSigner(testPrivateKey, "")
	require.NoError(t, err)

	sig1, err := s.SignAction(testAction(), 1700000000000)
	require.NoError(t, err)
	sig2, err := s.SignAction(testAction(), 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	// A different nonce commits to a different digest.
	sig3, err := s.SignAction(testAction(), 1700000000001)
	require.NoError(t, err)
	assert.NotEqual(t, sig1.R, sig3.R)
}

func TestSignActionShape(t *testing.T) {
	s, err := NewActionSigner(testPrivateKey, "")
	require.NoError(t, err)

	sig, err := s.SignAction(testAction(), 1700000000000)
	require.NoError(t, err)

	assert.Len(t, sig.R, 66) // 0x + 32 bytes
	assert.Len(t, sig.S, 66)
	assert.Contains(t, []uint8{27, 28}, sig.V)
}

func TestSignActionRecoversSigner(t *testing.T) {
	s, err := NewActionSigner(testPrivateKey, "")
	require.NoError(t, err)

	nonce := int64(1700000000000)
	sig, err := s.SignAction(testAction(), nonce)
	require.NoError(t, err)

	connectionID, err := s.connectionID(testAction(), nonce)
	require.NoError(t, err)
	digest, err := agentDigest(agentSourceMain, connectionID)
	require.NoError(t, err)

	raw := append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...)
	raw = append(raw, sig.V-27)

	pub, err := crypto.SigToPub(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestVaultChangesDigest(t *testing.T) {
	plain, err := NewActionSigner(testPrivateKey, "")
	require.NoError(t, err)
	vaulted, err := NewActionSigner(testPrivateKey, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	sigPlain, err := plain.SignAction(testAction(), 1700000000000)
	require.NoError(t, err)
	sigVault, err := vaulted.SignAction(testAction(), 1700000000000)
	require.NoError(t, err)

	assert.NotEqual(t, sigPlain.R, sigVault.R)
}
