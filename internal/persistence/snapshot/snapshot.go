// Package snapshot is the on-disk codec for archived rumbles: a JSON header
// line followed by a gob body, the whole stream zstd compressed.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	Kind      string `json:"kind"`
	RumbleID  uint64 `json:"rumble_id"`
	SlotIndex int    `json:"slot_index"`
	CreatedAt string `json:"created_at"`
}

// Write stores body under path, replacing any previous file atomically.
func Write(path string, h Header, body any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp, h, body); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(path string, h Header, body any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	if h.Version == 0 {
		h.Version = Version
	}
	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(body); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader returns only the header line, for listings.
func ReadHeader(path string) (Header, error) {
	var h Header
	err := read(path, &h, nil)
	return h, err
}

// Read decodes the file at path into body and returns its header.
func Read(path string, body any) (Header, error) {
	var h Header
	err := read(path, &h, body)
	return h, err
}

func read(path string, h *Header, body any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, h); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if body == nil {
		return nil
	}
	if err := gob.NewDecoder(br).Decode(body); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
