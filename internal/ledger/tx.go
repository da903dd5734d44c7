package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
)

type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is a legacy-format transaction: a message plus one signature
// slot per required signer.
type Transaction struct {
	Signatures [][64]byte
	Message    Message
}

type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []PublicKey
	RecentBlockhash             PublicKey
	Instructions                []compiledInstruction
}

type compiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// NewTransaction compiles instructions into a message paid for by payer.
// Account ordering follows the runtime rule: writable signers, readonly
// signers, writable non-signers, readonly non-signers; payer first.
func NewTransaction(payer PublicKey, recentBlockhash PublicKey, ixs ...Instruction) (*Transaction, error) {
	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
		order    int
	}
	seen := map[PublicKey]*entry{}
	var list []*entry
	add := func(k PublicKey, signer, writable bool) {
		if e, ok := seen[k]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		e := &entry{key: k, signer: signer, writable: writable, order: len(list)}
		seen[k] = e
		list = append(list, e)
	}

	add(payer, true, true)
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a.PublicKey, a.IsSigner, a.IsWritable)
		}
	}
	for _, ix := range ixs {
		add(ix.ProgramID, false, false)
	}

	class := func(e *entry) int {
		switch {
		case e.signer && e.writable:
			return 0
		case e.signer:
			return 1
		case e.writable:
			return 2
		}
		return 3
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].key == payer {
			return true
		}
		if list[j].key == payer {
			return false
		}
		ci, cj := class(list[i]), class(list[j])
		if ci != cj {
			return ci < cj
		}
		return list[i].order < list[j].order
	})
	if len(list) > 255 {
		return nil, fmt.Errorf("too many accounts: %d", len(list))
	}

	msg := Message{RecentBlockhash: recentBlockhash}
	index := map[PublicKey]uint8{}
	for i, e := range list {
		index[e.key] = uint8(i)
		msg.AccountKeys = append(msg.AccountKeys, e.key)
		switch class(e) {
		case 0:
			msg.NumRequiredSignatures++
		case 1:
			msg.NumRequiredSignatures++
			msg.NumReadonlySignedAccounts++
		case 3:
			msg.NumReadonlyUnsignedAccounts++
		}
	}
	for _, ix := range ixs {
		ci := compiledInstruction{ProgramIDIndex: index[ix.ProgramID], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[a.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}

	return &Transaction{
		Signatures: make([][64]byte, msg.NumRequiredSignatures),
		Message:    msg,
	}, nil
}

func appendCompactU16(b []byte, v int) []byte {
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(m.NumRequiredSignatures)
	buf.WriteByte(m.NumReadonlySignedAccounts)
	buf.WriteByte(m.NumReadonlyUnsignedAccounts)
	b := appendCompactU16(nil, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	b = appendCompactU16(b, len(m.Instructions))
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		b = appendCompactU16(b, len(ix.Accounts))
		b = append(b, ix.Accounts...)
		b = appendCompactU16(b, len(ix.Data))
		b = append(b, ix.Data...)
	}
	buf.Write(b)
	return buf.Bytes(), nil
}

func (tx *Transaction) MarshalBinary() ([]byte, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := appendCompactU16(nil, len(tx.Signatures))
	for _, s := range tx.Signatures {
		out = append(out, s[:]...)
	}
	return append(out, msg...), nil
}

// Base64 encodes the wire form, signed or not.
func (tx *Transaction) Base64() (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Sign fills the signature slot belonging to signer.
func (tx *Transaction) Sign(ctx context.Context, signer Signer) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	pk := signer.PublicKey()
	for i := 0; i < int(tx.Message.NumRequiredSignatures); i++ {
		if tx.Message.AccountKeys[i] != pk {
			continue
		}
		sig, err := signer.Sign(ctx, msg)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		if len(sig) != 64 {
			return fmt.Errorf("sign: signature is %d bytes", len(sig))
		}
		copy(tx.Signatures[i][:], sig)
		return nil
	}
	return fmt.Errorf("signer %s is not a required signer", pk)
}

// Signature is the transaction id: the base58 first signature.
func (tx *Transaction) Signature() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return encodeSignature(tx.Signatures[0])
}
