package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// instructionDiscriminator is the first 8 bytes of sha256("global:<name>").
func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// accountDiscriminator is the first 8 bytes of sha256("account:<Name>").
func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// borshWriter appends borsh-encoded values.
type borshWriter struct {
	buf []byte
}

func newInstruction(name string) *borshWriter {
	d := instructionDiscriminator(name)
	w := &borshWriter{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, d[:]...)
	return w
}

func (w *borshWriter) u8(v uint8) *borshWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *borshWriter) u32(v uint32) *borshWriter {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *borshWriter) u64(v uint64) *borshWriter {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *borshWriter) i64(v int64) *borshWriter {
	return w.u64(uint64(v))
}

func (w *borshWriter) pubkeys(keys []PublicKey) *borshWriter {
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.buf = append(w.buf, k[:]...)
	}
	return w
}

func (w *borshWriter) bytes(b []byte) *borshWriter {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

func (w *borshWriter) Bytes() []byte { return w.buf }

var errShortAccount = errors.New("account data too short")

// borshReader walks fixed-layout account data.
type borshReader struct {
	b   []byte
	off int
	err error
}

func (r *borshReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", errShortAccount, n, r.off, len(r.b))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *borshReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *borshReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *borshReader) i64() int64 { return int64(r.u64()) }

func (r *borshReader) pubkey() PublicKey {
	var pk PublicKey
	if b := r.take(32); b != nil {
		copy(pk[:], b)
	}
	return pk
}
