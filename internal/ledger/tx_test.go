package ledger

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestCompactU16(t *testing.T) {
	cases := map[int][]byte{
		0:      {0x00},
		0x7f:   {0x7f},
		0x80:   {0x80, 0x01},
		0x3fff: {0xff, 0x7f},
		0x4000: {0x80, 0x80, 0x01},
	}
	for v, want := range cases {
		if got := appendCompactU16(nil, v); !bytes.Equal(got, want) {
			t.Fatalf("compact(%d)=%x want=%x", v, got, want)
		}
	}
}

func TestNewTransaction_AccountOrdering(t *testing.T) {
	signer, err := GenerateKeypairSigner()
	if err != nil {
		t.Fatalf("GenerateKeypairSigner: %v", err)
	}
	p := Program{Addresses: Addresses{ProgramID: testProgram}, Admin: signer.PublicKey()}
	fighters := FighterKeys([]string{"a", "b", "c", "d"})
	ix, err := p.CreateRumble(7, fighters, time.Unix(1_900_000_000, 0))
	if err != nil {
		t.Fatalf("CreateRumble: %v", err)
	}
	tx, err := NewTransaction(signer.PublicKey(), PublicKey{1}, ix)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	m := tx.Message
	if m.NumRequiredSignatures != 1 || m.NumReadonlySignedAccounts != 0 || m.NumReadonlyUnsignedAccounts != 3 {
		t.Fatalf("header=%d/%d/%d", m.NumRequiredSignatures, m.NumReadonlySignedAccounts, m.NumReadonlyUnsignedAccounts)
	}
	if m.AccountKeys[0] != signer.PublicKey() {
		t.Fatalf("payer not first")
	}
	rumble, _, _ := p.Rumble(7)
	if m.AccountKeys[1] != rumble {
		t.Fatalf("writable rumble account not second: %s", m.AccountKeys[1])
	}
	if m.AccountKeys[len(m.AccountKeys)-1] != testProgram {
		t.Fatalf("program id not last")
	}

	// discriminator + id + vec len + 4 keys + deadline
	if len(ix.Data) != 8+8+4+4*32+8 {
		t.Fatalf("data len=%d", len(ix.Data))
	}

	if err := tx.Sign(context.Background(), signer); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg, _ := tx.Message.MarshalBinary()
	if err := Verify(signer.PublicKey(), msg, tx.Signatures[0][:]); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if raw[0] != 1 || !bytes.Equal(raw[65:], msg) {
		t.Fatalf("wire layout mismatch")
	}
	if tx.Signature() == "" {
		t.Fatalf("empty signature id")
	}
}

func TestTransaction_SignRejectsStranger(t *testing.T) {
	a, _ := GenerateKeypairSigner()
	b, _ := GenerateKeypairSigner()
	tx, err := NewTransaction(a.PublicKey(), PublicKey{}, TurnMemo(a.PublicKey(), 1, "f", 1, "commit", "00"))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := tx.Sign(context.Background(), b); err == nil {
		t.Fatalf("expected error signing with a non-signer key")
	}
}

func TestReportResult_RequiresWinnerFirst(t *testing.T) {
	p := Program{Addresses: Addresses{ProgramID: testProgram}, Admin: PublicKey{9}}
	if _, err := p.ReportResult(1, []uint8{2, 1}, 0); err == nil {
		t.Fatalf("expected winner placement error")
	}
	ix, err := p.ReportResult(1, []uint8{2, 1}, 1)
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if len(ix.Accounts) != 3 || !ix.Accounts[0].IsSigner {
		t.Fatalf("accounts=%+v", ix.Accounts)
	}
}
