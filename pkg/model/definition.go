package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// CircuitSource describes where the cluster fetches a circuit from. It is
// either OnChainSource or OffChainSource.
type CircuitSource interface {
	sourceTag() uint8
}

// OnChainSource carries the circuit bytecode directly.
type OnChainSource struct {
	Bytecode []byte
}

// OffChainSource points at a circuit stored elsewhere. Hash is meant to pin
// the fetched bytes, but nothing verifies it.
type OffChainSource struct {
	URL  string
	Hash [32]byte
}

func (OnChainSource) sourceTag() uint8  { return 0 }
func (OffChainSource) sourceTag() uint8 { return 1 }

// ComputationDefinition binds a circuit name to its source.
type ComputationDefinition struct {
	Initialized   bool
	FinalityDelay uint32
	CircuitName   string
	Source        CircuitSource
}

// MarshalAccount returns the account bytes of d.
func (d ComputationDefinition) MarshalAccount() ([]byte, error) {
	if d.Source == nil {
		return nil, fmt.Errorf("computation definition %q has no source", d.CircuitName)
	}

	var buf bytes.Buffer
	buf.Write(ComputationDefinitionDiscriminator[:])
	enc := bin.NewBorshEncoder(&buf)

	if err := enc.WriteBool(d.Initialized); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(d.FinalityDelay, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := writeBytes(enc, []byte(d.CircuitName)); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(d.Source.sourceTag()); err != nil {
		return nil, err
	}

	switch src := d.Source.(type) {
	case OnChainSource:
		if err := writeBytes(enc, src.Bytecode); err != nil {
			return nil, err
		}
	case OffChainSource:
		if err := writeBytes(enc, []byte(src.URL)); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(src.Hash[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalComputationDefinition decodes a definition account.
func UnmarshalComputationDefinition(data []byte) (ComputationDefinition, error) {
	var d ComputationDefinition
	if !HasDiscriminator(data, ComputationDefinitionDiscriminator) {
		return d, errDiscriminator
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorSize:])

	var err error
	if d.Initialized, err = dec.ReadBool(); err != nil {
		return d, fmt.Errorf("read initialized: %w", err)
	}
	if d.FinalityDelay, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return d, fmt.Errorf("read finality delay: %w", err)
	}
	name, err := readBytes(dec)
	if err != nil {
		return d, fmt.Errorf("read circuit name: %w", err)
	}
	d.CircuitName = string(name)

	tag, err := dec.ReadUint8()
	if err != nil {
		return d, fmt.Errorf("read source tag: %w", err)
	}
	switch tag {
	case 0:
		code, err := readBytes(dec)
		if err != nil {
			return d, fmt.Errorf("read bytecode: %w", err)
		}
		d.Source = OnChainSource{Bytecode: code}
	case 1:
		url, err := readBytes(dec)
		if err != nil {
			return d, fmt.Errorf("read source url: %w", err)
		}
		hash, err := readArray32(dec)
		if err != nil {
			return d, fmt.Errorf("read source hash: %w", err)
		}
		d.Source = OffChainSource{URL: string(url), Hash: hash}
	default:
		return d, fmt.Errorf("unknown circuit source tag %d", tag)
	}
	return d, nil
}
