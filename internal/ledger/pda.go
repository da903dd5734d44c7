package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v4/suites"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
)

var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

var ed25519Suite = suites.MustFind("Ed25519")

// onCurve reports whether b decodes to an ed25519 point. Program addresses
// must not, so no private key can ever sign for them.
func onCurve(b []byte) bool {
	return ed25519Suite.Point().UnmarshalBinary(b) == nil
}

// CreateProgramAddress hashes seeds with the program id. It fails when the
// result lands on the curve.
func CreateProgramAddress(programID PublicKey, seeds ...[]byte) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return PublicKey{}, fmt.Errorf("seed too long: %d bytes", len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte("ProgramDerivedAddress"))

	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if onCurve(pk[:]) {
		return PublicKey{}, errors.New("program address lands on the ed25519 curve")
	}
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 down for the first
// off-curve address.
func FindProgramAddress(programID PublicKey, seeds ...[]byte) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(programID, withBump...)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

func u64Seed(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Addresses derives the accounts of the rumble program.
type Addresses struct {
	ProgramID PublicKey
}

func (a Addresses) Config() (PublicKey, uint8, error) {
	return FindProgramAddress(a.ProgramID, []byte("rumble_config"))
}

func (a Addresses) Rumble(rumbleID uint64) (PublicKey, uint8, error) {
	return FindProgramAddress(a.ProgramID, []byte("rumble"), u64Seed(rumbleID))
}

func (a Addresses) Vault(rumbleID uint64) (PublicKey, uint8, error) {
	return FindProgramAddress(a.ProgramID, []byte("vault"), u64Seed(rumbleID))
}

func (a Addresses) Bettor(rumbleID uint64, bettor PublicKey) (PublicKey, uint8, error) {
	return FindProgramAddress(a.ProgramID, []byte("bettor"), u64Seed(rumbleID), bettor[:])
}

func (a Addresses) Sponsorship(fighter PublicKey) (PublicKey, uint8, error) {
	return FindProgramAddress(a.ProgramID, []byte("sponsorship"), fighter[:])
}
