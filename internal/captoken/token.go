// Package captoken implements signed capability tokens: a chain of blocks
// carrying datalog facts, rules and checks.
//
// Block 0 (the authority block) is signed by the root key. Each block also
// names the public key that must sign the next one, and the token ends with
// the private seed of the last named key as proof that the chain was not
// truncated. Only the holder of the root public key is needed to verify.
//
// Revocation identifiers are keyed BLAKE3 digests of each block signature,
// so they are stable for the life of a token and unique per signing.
package captoken

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"tessera.dev/internal/datalog"
)

// SchemaVersion is the block layout this package writes and accepts.
const SchemaVersion = 1

const (
	// MaxSerializedSize bounds the base64 form accepted by Parse.
	MaxSerializedSize = 16 << 10
	// MaxBlocks bounds the chain length accepted by Parse.
	MaxBlocks = 8
)

var (
	ErrMalformed          = errors.New("captoken: malformed token")
	ErrInvalidSignature   = errors.New("captoken: invalid signature")
	ErrUnsupportedVersion = errors.New("captoken: unsupported schema version")
	ErrTooLarge           = errors.New("captoken: token exceeds size limits")
	ErrInvalidKey         = errors.New("captoken: invalid key")
)

// signingContext prefixes every signed message.
var signingContext = []byte("tessera.captoken.block.v1\x00")

// Block is the content of one link in the chain.
type Block struct {
	Version uint32          `cbor:"1,keyasint"`
	Facts   []datalog.Fact  `cbor:"2,keyasint,omitempty"`
	Rules   []datalog.Rule  `cbor:"3,keyasint,omitempty"`
	Checks  []datalog.Check `cbor:"4,keyasint,omitempty"`
}

type signedBlock struct {
	Payload   []byte `cbor:"1,keyasint"`
	NextKey   []byte `cbor:"2,keyasint"`
	Signature []byte `cbor:"3,keyasint"`
}

type envelope struct {
	Blocks []signedBlock `cbor:"1,keyasint"`
	Proof  []byte        `cbor:"2,keyasint"`
}

// Token is a verified (or freshly minted) capability token. It is immutable.
type Token struct {
	blocks []Block
	signed []signedBlock
	proof  ed25519.PrivateKey
}

// New signs authority with the root key and returns a one-block token.
func New(root ed25519.PrivateKey, authority Block) (*Token, error) {
	if len(root) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	if authority.Version == 0 {
		authority.Version = SchemaVersion
	}
	sb, next, err := seal(root, authority)
	if err != nil {
		return nil, err
	}
	return &Token{
		blocks: []Block{authority},
		signed: []signedBlock{sb},
		proof:  next,
	}, nil
}

// seal encodes b, generates the next signer and signs both with signer.
func seal(signer ed25519.PrivateKey, b Block) (signedBlock, ed25519.PrivateKey, error) {
	payload, err := encMode.Marshal(b)
	if err != nil {
		return signedBlock{}, nil, fmt.Errorf("captoken: encode block: %w", err)
	}
	nextPub, nextPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return signedBlock{}, nil, fmt.Errorf("captoken: generate block key: %w", err)
	}
	sig := ed25519.Sign(signer, signedMessage(payload, nextPub))
	return signedBlock{Payload: payload, NextKey: nextPub, Signature: sig}, nextPriv, nil
}

func signedMessage(payload, nextKey []byte) []byte {
	msg := make([]byte, 0, len(signingContext)+len(payload)+len(nextKey))
	msg = append(msg, signingContext...)
	msg = append(msg, payload...)
	return append(msg, nextKey...)
}

// Parse decodes a serialized token and verifies every block signature
// against root.
func Parse(serialized string, root ed25519.PublicKey) (*Token, error) {
	if len(root) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	serialized = strings.TrimSpace(serialized)
	if serialized == "" {
		return nil, ErrMalformed
	}
	if len(serialized) > MaxSerializedSize {
		return nil, ErrTooLarge
	}
	raw, err := base64.RawURLEncoding.DecodeString(serialized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Blocks) == 0 {
		return nil, ErrMalformed
	}
	if len(env.Blocks) > MaxBlocks {
		return nil, ErrTooLarge
	}

	key := root
	for i, sb := range env.Blocks {
		if len(sb.NextKey) != ed25519.PublicKeySize || len(sb.Signature) != ed25519.SignatureSize {
			return nil, fmt.Errorf("%w: block %d", ErrMalformed, i)
		}
		if !ed25519.Verify(key, signedMessage(sb.Payload, sb.NextKey), sb.Signature) {
			return nil, fmt.Errorf("%w: block %d", ErrInvalidSignature, i)
		}
		key = sb.NextKey
	}
	if len(env.Proof) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: proof", ErrMalformed)
	}
	proof := ed25519.NewKeyFromSeed(env.Proof)
	if !bytes.Equal(proof.Public().(ed25519.PublicKey), key) {
		return nil, fmt.Errorf("%w: proof", ErrInvalidSignature)
	}

	blocks := make([]Block, len(env.Blocks))
	for i, sb := range env.Blocks {
		if err := decMode.Unmarshal(sb.Payload, &blocks[i]); err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrMalformed, i, err)
		}
		if blocks[i].Version != SchemaVersion {
			return nil, fmt.Errorf("%w: block %d has version %d", ErrUnsupportedVersion, i, blocks[i].Version)
		}
	}
	return &Token{blocks: blocks, signed: env.Blocks, proof: proof}, nil
}

// Serialize returns the portable base64url form.
func (t *Token) Serialize() (string, error) {
	raw, err := encMode.Marshal(envelope{Blocks: t.signed, Proof: t.proof.Seed()})
	if err != nil {
		return "", fmt.Errorf("captoken: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// RevocationIDs returns one identifier per block, authority block first.
func (t *Token) RevocationIDs() [][]byte {
	ids := make([][]byte, len(t.signed))
	for i, sb := range t.signed {
		ids[i] = revocationID(sb.Signature)
	}
	return ids
}

// Authority returns the root-signed block.
func (t *Token) Authority() Block { return t.blocks[0] }

// Blocks returns every block in chain order.
func (t *Token) Blocks() []Block {
	out := make([]Block, len(t.blocks))
	copy(out, t.blocks)
	return out
}
