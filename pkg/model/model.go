// Package model holds the on-ledger types of the medshare program and their
// byte layouts.
//
// Accounts are stored as an 8-byte discriminator followed by the borsh
// encoding of the account fields. Ciphertexts are opaque to this package and
// are never inspected.
package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
)

// Ciphertext is an opaque 32-byte encrypted value.
type Ciphertext [32]byte

func (c Ciphertext) String() string { return hex.EncodeToString(c[:]) }

// EncryptionKey is the 32-byte public encryption key of a party.
type EncryptionKey [32]byte

func (k EncryptionKey) String() string { return hex.EncodeToString(k[:]) }

// U128 is an unsigned 128-bit plaintext value.
type U128 struct {
	Lo uint64
	Hi uint64
}

// NewU128 returns the U128 holding v.
func NewU128(v uint64) U128 { return U128{Lo: v} }

// Bytes returns the 16-byte little-endian encoding of u.
func (u U128) Bytes() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], u.Lo)
	binary.LittleEndian.PutUint64(out[8:], u.Hi)
	return out
}

// U128FromBytes decodes a 16-byte little-endian value.
func U128FromBytes(b [16]byte) U128 {
	return U128{
		Lo: binary.LittleEndian.Uint64(b[:8]),
		Hi: binary.LittleEndian.Uint64(b[8:]),
	}
}

// ParseU128 parses a base-10 string.
func ParseU128(s string) (U128, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return U128{}, fmt.Errorf("invalid u128 %q", s)
	}
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(n, 64)
	return U128{Lo: lo.Uint64(), Hi: hi.Uint64()}, nil
}

func (u U128) String() string {
	n := new(big.Int).SetUint64(u.Hi)
	n.Lsh(n, 64)
	n.Or(n, new(big.Int).SetUint64(u.Lo))
	return n.String()
}

// DiscriminatorSize is the length of the type tag at the start of every
// account and event.
const DiscriminatorSize = 8

// Discriminator identifies an account or event type.
type Discriminator [DiscriminatorSize]byte

// NewDiscriminator returns sha256(namespace:name)[:8].
func NewDiscriminator(namespace, name string) Discriminator {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

var (
	PatientDataDiscriminator           = NewDiscriminator("account", "PatientData")
	SignerAccountDiscriminator         = NewDiscriminator("account", "SignerAccount")
	ComputationDefinitionDiscriminator = NewDiscriminator("account", "ComputationDefinitionAccount")
	ComputationDiscriminator           = NewDiscriminator("account", "ComputationAccount")
	ReceivedPatientDataDiscriminator   = NewDiscriminator("event", "ReceivedPatientDataEvent")
)

// HasDiscriminator reports whether data starts with d.
func HasDiscriminator(data []byte, d Discriminator) bool {
	return len(data) >= DiscriminatorSize && bytes.Equal(data[:DiscriminatorSize], d[:])
}

func encodeTagged(d Discriminator, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(d[:])
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTagged(data []byte, d Discriminator, v any) error {
	if !HasDiscriminator(data, d) {
		return errDiscriminator
	}
	return bin.NewBorshDecoder(data[DiscriminatorSize:]).Decode(v)
}

func writeBytes(enc *bin.Encoder, b []byte) error {
	if err := enc.WriteUint32(uint32(len(b)), binary.LittleEndian); err != nil {
		return err
	}
	return enc.WriteBytes(b, false)
}

func readBytes(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	if int(n) > dec.Remaining() {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, dec.Remaining())
	}
	return dec.ReadNBytes(int(n))
}

func readArray32(dec *bin.Decoder) ([32]byte, error) {
	var out [32]byte
	b, err := dec.ReadNBytes(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
