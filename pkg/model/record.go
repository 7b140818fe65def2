package model

import (
	"github.com/gagliardetto/solana-go"

	"github.com/i5heu/medshare/pkg/errcode"
)

// AllergySlots is the fixed number of allergy entries in a record.
const AllergySlots = 5

// RecordPayloadSize is the encoded size of an EncryptedRecord without its
// discriminator: six ciphertexts plus the allergy array.
const RecordPayloadSize = 6*32 + AllergySlots*32

// RecordAccountSize is the full size of a record account.
const RecordAccountSize = DiscriminatorSize + RecordPayloadSize

var errDiscriminator = errcode.ErrAccountDiscriminatorMismatch

// EncryptedRecord is one patient's medical record. Every field is a
// ciphertext produced client side.
type EncryptedRecord struct {
	PatientID Ciphertext
	Age       Ciphertext
	Gender    Ciphertext
	BloodType Ciphertext
	Weight    Ciphertext
	Height    Ciphertext
	Allergies [AllergySlots]Ciphertext
}

// MarshalAccount returns the account bytes of r.
func (r EncryptedRecord) MarshalAccount() ([]byte, error) {
	return encodeTagged(PatientDataDiscriminator, r)
}

// UnmarshalRecordAccount decodes a record account.
func UnmarshalRecordAccount(data []byte) (EncryptedRecord, error) {
	var r EncryptedRecord
	if len(data) != RecordAccountSize {
		return r, errcode.New(errcode.AccountNotInitialized, "record account has %d bytes, want %d", len(data), RecordAccountSize)
	}
	if err := decodeTagged(data, PatientDataDiscriminator, &r); err != nil {
		return EncryptedRecord{}, err
	}
	return r, nil
}

// RecordHandle locates a stored record.
type RecordHandle struct {
	Owner   solana.PublicKey
	Address solana.PublicKey
	Bump    uint8
}

// SignerAccount is the signer delegate. It only carries its bump.
type SignerAccount struct {
	Bump uint8
}

// SignerAccountSize is the allocated size of the signer delegate account.
const SignerAccountSize = DiscriminatorSize + 1

func (s SignerAccount) MarshalAccount() ([]byte, error) {
	return encodeTagged(SignerAccountDiscriminator, s)
}

func UnmarshalSignerAccount(data []byte) (SignerAccount, error) {
	var s SignerAccount
	err := decodeTagged(data, SignerAccountDiscriminator, &s)
	return s, err
}
