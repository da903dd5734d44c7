package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

type PublicKey [32]byte

func (k PublicKey) String() string { return base58.Encode(k[:]) }

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

func (k PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	pk, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*k = pk
	return nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode address %q: %w", s, err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("address %q: %d bytes, want %d", s, len(raw), len(pk))
	}
	copy(pk[:], raw)
	return pk, nil
}

func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

var (
	SystemProgramID = PublicKey{}
	MemoProgramID   = MustPublicKey("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

// FighterKey maps a fighter id to the address recorded in the rumble account.
// Ids that already are base58 addresses are used as-is; anything else is
// hashed so house bots and test fighters still get a stable key.
func FighterKey(id string) PublicKey {
	if pk, err := ParsePublicKey(id); err == nil {
		return pk
	}
	return PublicKey(sha256.Sum256([]byte(id)))
}

func FighterKeys(ids []string) []PublicKey {
	out := make([]PublicKey, len(ids))
	for i, id := range ids {
		out[i] = FighterKey(id)
	}
	return out
}
