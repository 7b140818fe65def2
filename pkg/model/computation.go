package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Argument is one entry of a circuit's calling convention.
type Argument interface {
	argumentTag() uint8
}

// ArcisPubkey is a public encryption key argument.
type ArcisPubkey EncryptionKey

// PlaintextU128 is a plaintext 128-bit argument.
type PlaintextU128 U128

// AccountArgument references Length bytes of an account starting at Offset.
type AccountArgument struct {
	Address solana.PublicKey
	Offset  uint32
	Length  uint32
}

const (
	argTagArcisPubkey   uint8 = 0
	argTagPlaintextU128 uint8 = 1
	argTagAccount       uint8 = 2
)

func (ArcisPubkey) argumentTag() uint8     { return argTagArcisPubkey }
func (PlaintextU128) argumentTag() uint8   { return argTagPlaintextU128 }
func (AccountArgument) argumentTag() uint8 { return argTagAccount }

// ComputationStatus is the lifecycle state of a queued computation.
type ComputationStatus uint8

const (
	StatusQueued ComputationStatus = iota
	StatusResolvedSuccess
	StatusResolvedAborted
	StatusResolvedMalformed
)

func (s ComputationStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusResolvedSuccess:
		return "resolved-success"
	case StatusResolvedAborted:
		return "resolved-aborted"
	case StatusResolvedMalformed:
		return "resolved-malformed"
	}
	return "unknown"
}

// Terminal reports whether s is a resolved state.
func (s ComputationStatus) Terminal() bool {
	return s != StatusQueued
}

// ComputationRequest is the queue slot of one dispatched computation. The
// arguments are an immutable snapshot taken at dispatch time.
type ComputationRequest struct {
	Offset        uint64
	CompDefOffset uint32
	Status        ComputationStatus
	Payer         solana.PublicKey
	Signer        solana.PublicKey
	Callback      string
	Arguments     []Argument
}

// MarshalAccount returns the slot account bytes of r.
func (r ComputationRequest) MarshalAccount() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(ComputationDiscriminator[:])
	enc := bin.NewBorshEncoder(&buf)

	if err := enc.WriteUint64(r.Offset, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(r.CompDefOffset, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(uint8(r.Status)); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(r.Payer[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(r.Signer[:], false); err != nil {
		return nil, err
	}
	if err := writeBytes(enc, []byte(r.Callback)); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(r.Arguments)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for i, arg := range r.Arguments {
		if err := encodeArgument(enc, arg); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeArgument(enc *bin.Encoder, arg Argument) error {
	if arg == nil {
		return fmt.Errorf("nil argument")
	}
	if err := enc.WriteUint8(arg.argumentTag()); err != nil {
		return err
	}
	switch a := arg.(type) {
	case ArcisPubkey:
		return enc.WriteBytes(a[:], false)
	case PlaintextU128:
		b := U128(a).Bytes()
		return enc.WriteBytes(b[:], false)
	case AccountArgument:
		if err := enc.WriteBytes(a.Address[:], false); err != nil {
			return err
		}
		if err := enc.WriteUint32(a.Offset, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteUint32(a.Length, binary.LittleEndian)
	}
	return fmt.Errorf("unsupported argument type %T", arg)
}

// UnmarshalComputationRequest decodes a slot account.
func UnmarshalComputationRequest(data []byte) (ComputationRequest, error) {
	var r ComputationRequest
	if !HasDiscriminator(data, ComputationDiscriminator) {
		return r, errDiscriminator
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorSize:])

	var err error
	if r.Offset, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return r, fmt.Errorf("read offset: %w", err)
	}
	if r.CompDefOffset, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return r, fmt.Errorf("read comp def offset: %w", err)
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return r, fmt.Errorf("read status: %w", err)
	}
	r.Status = ComputationStatus(status)
	if r.Payer, err = readArray32(dec); err != nil {
		return r, fmt.Errorf("read payer: %w", err)
	}
	if r.Signer, err = readArray32(dec); err != nil {
		return r, fmt.Errorf("read signer: %w", err)
	}
	callback, err := readBytes(dec)
	if err != nil {
		return r, fmt.Errorf("read callback: %w", err)
	}
	r.Callback = string(callback)

	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return r, fmt.Errorf("read argument count: %w", err)
	}
	// every argument takes at least its tag byte
	if int(n) > dec.Remaining() {
		return r, fmt.Errorf("%d arguments announced, %d bytes left", n, dec.Remaining())
	}
	r.Arguments = make([]Argument, 0, n)
	for i := uint32(0); i < n; i++ {
		arg, err := decodeArgument(dec)
		if err != nil {
			return r, fmt.Errorf("argument %d: %w", i, err)
		}
		r.Arguments = append(r.Arguments, arg)
	}
	return r, nil
}

func decodeArgument(dec *bin.Decoder) (Argument, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case argTagArcisPubkey:
		k, err := readArray32(dec)
		return ArcisPubkey(k), err
	case argTagPlaintextU128:
		b, err := dec.ReadNBytes(16)
		if err != nil {
			return nil, err
		}
		var raw [16]byte
		copy(raw[:], b)
		return PlaintextU128(U128FromBytes(raw)), nil
	case argTagAccount:
		var a AccountArgument
		if a.Address, err = readArray32(dec); err != nil {
			return nil, err
		}
		if a.Offset, err = dec.ReadUint32(binary.LittleEndian); err != nil {
			return nil, err
		}
		if a.Length, err = dec.ReadUint32(binary.LittleEndian); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown argument tag %d", tag)
}
