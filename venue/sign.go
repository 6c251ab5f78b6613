package venue

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EIP-712 ACTION SIGNING
// ═══════════════════════════════════════════════════════════════════════════════
//
// Exchange actions are signed as an Agent struct whose connectionId commits
// to the serialized action, the nonce and the vault. The venue verifies the
// recovered signer against the account (or an approved agent wallet).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	signatureChainID = 1337
	agentSourceMain  = "a"
)

// Signature is the r/s/v triple the exchange endpoint expects.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// ActionSigner signs exchange actions with a loaded wallet key.
type ActionSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	vault      common.Address
}

// NewActionSigner parses a hex private key. vault is optional; when set,
// actions are signed on the vault's behalf.
func NewActionSigner(privateKeyHex, vault string) (*ActionSigner, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	s := &ActionSigner{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
	}
	if vault != "" {
		s.vault = common.HexToAddress(vault)
	}
	return s, nil
}

// Address returns the signer wallet address.
func (s *ActionSigner) Address() common.Address {
	return s.address
}

// SignAction binds the action to a nonce and signs the agent digest.
func (s *ActionSigner) SignAction(action any, nonce int64) (Signature, error) {
	connectionID, err := s.connectionID(action, nonce)
	if err != nil {
		return Signature{}, err
	}

	digest, err := agentDigest(agentSourceMain, connectionID)
	if err != nil {
		return Signature{}, err
	}

	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}, nil
}

// connectionID hashes the canonical action bytes, the nonce and the vault
// flag. json.Marshal sorts map keys, so equal actions hash equally.
func (s *ActionSigner) connectionID(action any, nonce int64) ([32]byte, error) {
	var id [32]byte

	blob, err := json.Marshal(action)
	if err != nil {
		return id, fmt.Errorf("marshal action: %w", err)
	}

	buf := make([]byte, 0, len(blob)+29)
	buf = append(buf, blob...)

	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], uint64(nonce))
	buf = append(buf, nb[:]...)

	if s.vault == (common.Address{}) {
		buf = append(buf, 0x00)
	} else {
		buf = append(buf, 0x01)
		buf = append(buf, s.vault.Bytes()...)
	}

	copy(id[:], crypto.Keccak256(buf))
	return id, nil
}

// agentDigest builds the EIP-712 hash for the Agent struct:
// keccak256("\x19\x01" || domainSeparator || messageHash).
func agentDigest(source string, connectionID [32]byte) ([]byte, error) {
	typedData := agentTypedData(source, connectionID)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256(rawData), nil
}

func agentTypedData(source string, connectionID [32]byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(signatureChainID),
			VerifyingContract: (common.Address{}).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID[:]),
		},
	}
}
