package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mr-tron/base58"
	"go.dedis.ch/kyber/v4/sign/eddsa"
	"go.dedis.ch/kyber/v4/util/random"
)

// Signer authorizes transactions the gateway built. The orchestrator's own
// admin key is the only key that ever signs here; bettors sign their own
// transactions in their wallets.
type Signer interface {
	PublicKey() PublicKey
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

type KeypairSigner struct {
	key *eddsa.EdDSA
	pub PublicKey
}

// NewKeypairSigner takes the 64-byte seed||public form used by keypair files.
func NewKeypairSigner(secret []byte) (*KeypairSigner, error) {
	if len(secret) != 64 {
		return nil, fmt.Errorf("keypair must be 64 bytes, got %d", len(secret))
	}
	k := &eddsa.EdDSA{}
	if err := k.UnmarshalBinary(secret); err != nil {
		return nil, fmt.Errorf("keypair: %w", err)
	}
	return newKeypairSigner(k)
}

// GenerateKeypairSigner makes a throwaway key, used by the in-process ledger.
func GenerateKeypairSigner() (*KeypairSigner, error) {
	return newKeypairSigner(eddsa.NewEdDSA(random.New()))
}

func newKeypairSigner(k *eddsa.EdDSA) (*KeypairSigner, error) {
	raw, err := k.Public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	s := &KeypairSigner{key: k}
	copy(s.pub[:], raw)
	return s, nil
}

// LoadKeypairFile reads a JSON array of 64 byte values.
func LoadKeypairFile(path string) (*KeypairSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%s: byte %d out of range", path, i)
		}
		b[i] = byte(n)
	}
	return NewKeypairSigner(b)
}

func (s *KeypairSigner) PublicKey() PublicKey { return s.pub }

func (s *KeypairSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	return s.key.Sign(message)
}

// Verify checks an ed25519 signature against pub.
func Verify(pub PublicKey, message, sig []byte) error {
	p := ed25519Suite.Point()
	if err := p.UnmarshalBinary(pub[:]); err != nil {
		return err
	}
	return eddsa.Verify(p, message, sig)
}

// RemoteSigner asks an external signing service to authorize messages. The
// service receives {"pubkey","message"} with the message base64 encoded and
// answers {"signature"} in base58.
type RemoteSigner struct {
	URL    string
	Pub    PublicKey
	Client *http.Client
}

func (s *RemoteSigner) PublicKey() PublicKey { return s.Pub }

func (s *RemoteSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, _ := json.Marshal(map[string]string{
		"pubkey":  s.Pub.String(),
		"message": base64.StdEncoding.EncodeToString(message),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("signer status=%d body=%s", resp.StatusCode, string(raw))
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("signer response: %w", err)
	}
	sig, err := base58.Decode(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("signer response: %w", err)
	}
	return sig, nil
}

func encodeSignature(sig [64]byte) string { return base58.Encode(sig[:]) }
