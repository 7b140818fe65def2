package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/i5heu/medshare/pkg/errcode"
)

// ShareOutputCiphertexts is the number of ciphertexts the share circuit
// returns: six record fields followed by the allergy entries.
const ShareOutputCiphertexts = 6 + AllergySlots

// ComputationOutputs is the result the cluster reports for one computation:
// SuccessOutput or AbortedOutput.
type ComputationOutputs interface {
	outputTag() uint8
}

// SuccessOutput holds values encrypted for the recipient under Nonce.
type SuccessOutput struct {
	EncryptionKey EncryptionKey
	Nonce         U128
	Ciphertexts   []Ciphertext
}

// AbortedOutput reports that the cluster gave up on the computation.
type AbortedOutput struct{}

const (
	outputTagSuccess uint8 = 0
	outputTagAborted uint8 = 1
)

func (SuccessOutput) outputTag() uint8 { return outputTagSuccess }
func (AbortedOutput) outputTag() uint8 { return outputTagAborted }

// EncodeComputationOutputs returns the callback wire form of out.
func EncodeComputationOutputs(out ComputationOutputs) ([]byte, error) {
	if out == nil {
		return nil, fmt.Errorf("nil computation outputs")
	}
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteUint8(out.outputTag()); err != nil {
		return nil, err
	}

	switch o := out.(type) {
	case SuccessOutput:
		if err := enc.WriteBytes(o.EncryptionKey[:], false); err != nil {
			return nil, err
		}
		nonce := o.Nonce.Bytes()
		if err := enc.WriteBytes(nonce[:], false); err != nil {
			return nil, err
		}
		if err := enc.WriteUint32(uint32(len(o.Ciphertexts)), binary.LittleEndian); err != nil {
			return nil, err
		}
		for _, c := range o.Ciphertexts {
			if err := enc.WriteBytes(c[:], false); err != nil {
				return nil, err
			}
		}
	case AbortedOutput:
	}
	return buf.Bytes(), nil
}

// DecodeComputationOutputs parses the callback wire form. Malformed input
// yields InvalidComputationOutput.
func DecodeComputationOutputs(data []byte) (ComputationOutputs, error) {
	dec := bin.NewBorshDecoder(data)
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidComputationOutput, err, "read tag")
	}

	switch tag {
	case outputTagAborted:
		if dec.Remaining() != 0 {
			return nil, errcode.New(errcode.InvalidComputationOutput, "%d trailing bytes after abort", dec.Remaining())
		}
		return AbortedOutput{}, nil
	case outputTagSuccess:
		var o SuccessOutput
		if o.EncryptionKey, err = readArray32(dec); err != nil {
			return nil, errcode.Wrap(errcode.InvalidComputationOutput, err, "read encryption key")
		}
		nb, err := dec.ReadNBytes(16)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidComputationOutput, err, "read nonce")
		}
		var raw [16]byte
		copy(raw[:], nb)
		o.Nonce = U128FromBytes(raw)

		n, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidComputationOutput, err, "read ciphertext count")
		}
		if int(n)*32 > dec.Remaining() {
			return nil, errcode.New(errcode.InvalidComputationOutput, "%d ciphertexts announced, %d bytes left", n, dec.Remaining())
		}
		o.Ciphertexts = make([]Ciphertext, n)
		for i := range o.Ciphertexts {
			c, err := readArray32(dec)
			if err != nil {
				return nil, errcode.Wrap(errcode.InvalidComputationOutput, err, "read ciphertext %d", i)
			}
			o.Ciphertexts[i] = c
		}
		if dec.Remaining() != 0 {
			return nil, errcode.New(errcode.InvalidComputationOutput, "%d trailing bytes after %d ciphertexts", dec.Remaining(), n)
		}
		return o, nil
	}
	return nil, errcode.New(errcode.InvalidComputationOutput, "unknown output tag %d", tag)
}

// ReceivedRecordEvent is the public event carrying a record re-encrypted for
// its recipient.
type ReceivedRecordEvent struct {
	Nonce     [16]byte
	PatientID Ciphertext
	Age       Ciphertext
	Gender    Ciphertext
	BloodType Ciphertext
	Weight    Ciphertext
	Height    Ciphertext
	Allergies [AllergySlots]Ciphertext
}

// ReceivedRecordEventName is the event name written to the log.
const ReceivedRecordEventName = "ReceivedPatientDataEvent"

// NewReceivedRecordEvent maps the share circuit output onto the event. The
// first eleven ciphertexts are used; fewer fail with InvalidAllergyData.
func NewReceivedRecordEvent(o SuccessOutput) (ReceivedRecordEvent, error) {
	c := o.Ciphertexts
	if len(c) < ShareOutputCiphertexts {
		return ReceivedRecordEvent{}, errcode.New(errcode.InvalidAllergyData,
			"got %d ciphertexts, want %d", len(c), ShareOutputCiphertexts)
	}

	ev := ReceivedRecordEvent{
		Nonce:     o.Nonce.Bytes(),
		PatientID: c[0],
		Age:       c[1],
		Gender:    c[2],
		BloodType: c[3],
		Weight:    c[4],
		Height:    c[5],
	}
	copy(ev.Allergies[:], c[6:ShareOutputCiphertexts])
	return ev, nil
}

// MarshalEvent returns the logged bytes of e.
func (e ReceivedRecordEvent) MarshalEvent() ([]byte, error) {
	return encodeTagged(ReceivedPatientDataDiscriminator, e)
}

// UnmarshalReceivedRecordEvent decodes logged event bytes.
func UnmarshalReceivedRecordEvent(data []byte) (ReceivedRecordEvent, error) {
	var e ReceivedRecordEvent
	err := decodeTagged(data, ReceivedPatientDataDiscriminator, &e)
	return e, err
}
