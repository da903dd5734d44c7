package ledger

import (
	"testing"
)

var testProgram = MustPublicKey("RumbLe1111111111111111111111111111111111111")

func TestFindProgramAddress_KnownVectors(t *testing.T) {
	a := Addresses{ProgramID: testProgram}
	cases := []struct {
		name string
		fn   func() (PublicKey, uint8, error)
		want string
		bump uint8
	}{
		{"config", a.Config, "AZscVLJvrJ5SRShZ2Q4N51dQ4pLau6qbgXaZt37MtPYz", 255},
		{"rumble", func() (PublicKey, uint8, error) { return a.Rumble(42) }, "J7bNjqXizeBnJuuYDtaqnfUdNwobNm38X4J91hhKh3bz", 254},
		{"vault", func() (PublicKey, uint8, error) { return a.Vault(42) }, "DBRLDD8qsNc7eAVJ9LShL21U57DCApAv92wZu4wfzVTU", 255},
	}
	for _, tc := range cases {
		pk, bump, err := tc.fn()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if pk.String() != tc.want || bump != tc.bump {
			t.Fatalf("%s: got %s/%d want %s/%d", tc.name, pk, bump, tc.want, tc.bump)
		}
	}
}

func TestCreateProgramAddress_RejectsLongSeed(t *testing.T) {
	if _, err := CreateProgramAddress(testProgram, make([]byte, 33)); err == nil {
		t.Fatalf("expected seed length error")
	}
}

func TestFighterKey(t *testing.T) {
	if FighterKey(testProgram.String()) != testProgram {
		t.Fatalf("base58 id not used as-is")
	}
	a, b := FighterKey("bot-1"), FighterKey("bot-2")
	if a == b || a.IsZero() {
		t.Fatalf("hashed keys collide or empty")
	}
	if FighterKey("bot-1") != a {
		t.Fatalf("hashed key not stable")
	}
}

func TestInstructionDiscriminator(t *testing.T) {
	got := instructionDiscriminator("create_rumble")
	want := [8]byte{66, 165, 116, 45, 99, 162, 217, 4}
	if got != want {
		t.Fatalf("discriminator=%v want=%v", got, want)
	}
	if accountDiscriminator("Rumble") != [8]byte{121, 136, 74, 188, 164, 146, 171, 5} {
		t.Fatalf("account discriminator mismatch")
	}
}
