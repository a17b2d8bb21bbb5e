package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/hybridpos/vssnode/errors"
	"github.com/mr-tron/base58"
)

const (
	addressVersion  = 0x1e
	addressHashSize = 20
	addressSize     = 1 + addressHashSize + 4
)

// AddressFromPubKey derives the base58 address of a compressed public key.
func AddressFromPubKey(pubKey []byte) string {
	h := sha256.Sum256(pubKey)

	payload := make([]byte, 0, addressSize)
	payload = append(payload, addressVersion)
	payload = append(payload, h[:addressHashSize]...)

	checksum := chainhash.DoubleHashB(payload)
	payload = append(payload, checksum[:4]...)

	return base58.Encode(payload)
}

// ValidateAddress checks the version byte and checksum of an address.
func ValidateAddress(address string) error {
	decoded, err := base58.Decode(address)
	if err != nil {
		return errors.NewInvalidArgumentError("address %q is not base58", address, err)
	}

	if len(decoded) != addressSize || decoded[0] != addressVersion {
		return errors.NewInvalidArgumentError("address %q has invalid length or version", address)
	}

	checksum := chainhash.DoubleHashB(decoded[:addressSize-4])
	if !bytes.Equal(checksum[:4], decoded[addressSize-4:]) {
		return errors.NewInvalidArgumentError("address %q has invalid checksum", address)
	}

	return nil
}

// Signer is the key pair a validator or wallet signs with.
type Signer struct {
	priv    *bec.PrivateKey
	pubKey  []byte
	address string
}

func NewSigner() (*Signer, error) {
	priv, err := bec.NewPrivateKey()
	if err != nil {
		return nil, errors.NewProcessingError("failed to generate private key", err)
	}

	return newSigner(priv), nil
}

// NewSignerFromHex loads a signer from a hex encoded 32 byte private key.
func NewSignerFromHex(privHex string) (*Signer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil || len(b) != 32 {
		return nil, errors.NewConfigurationError("private key must be 32 hex encoded bytes")
	}

	priv, _ := bec.PrivateKeyFromBytes(b)

	return newSigner(priv), nil
}

func newSigner(priv *bec.PrivateKey) *Signer {
	pub := priv.PubKey().Compressed()

	return &Signer{
		priv:    priv,
		pubKey:  pub,
		address: AddressFromPubKey(pub),
	}
}

func (s *Signer) Address() string { return s.address }
func (s *Signer) PubKey() []byte  { return s.pubKey }

func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// Sign returns the DER signature of hash.
func (s *Signer) Sign(hash chainhash.Hash) ([]byte, error) {
	sig, err := s.priv.Sign(hash[:])
	if err != nil {
		return nil, errors.NewProcessingError("failed to sign", err)
	}

	return sig.Serialize(), nil
}

// VerifySignature checks a DER signature of hash against a compressed public key.
func VerifySignature(pubKey, signature []byte, hash chainhash.Hash) bool {
	pub, err := bec.ParsePubKey(pubKey)
	if err != nil {
		return false
	}

	sig, err := bec.ParseDERSignature(signature)
	if err != nil {
		return false
	}

	return sig.Verify(hash[:], pub)
}
