package host

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	// ErrCertifiedTampered means the stored digest does not match the record.
	ErrCertifiedTampered = errors.New("certified record digest mismatch")

	// ErrIdentityMutation is returned when a write would change a field that
	// control-plane discovery depends on.
	ErrIdentityMutation = errors.New("identity metadata is immutable")
)

// Identity is the immutable part of a host's metadata.
type Identity struct {
	ID           string `json:"id"`
	ProviderName string `json:"provider"`
	ProviderKind string `json:"kind"`
}

// CheckIdentity returns ErrIdentityMutation when next differs from a
// previously stored prev. A zero prev means nothing is stored yet.
func CheckIdentity(prev, next Identity) error {
	if prev == (Identity{}) {
		return nil
	}
	if prev != next {
		return fmt.Errorf("%w: have %+v, refusing %+v", ErrIdentityMutation, prev, next)
	}
	return nil
}

const (
	algoBLAKE3      = "blake3"
	algoBLAKE3Keyed = "blake3-keyed"
)

type envelope struct {
	Record json.RawMessage `json:"record"`
	Algo   string          `json:"algo"`
	Digest string          `json:"digest"`
}

// Sealer computes and verifies record digests. A zero Sealer uses unkeyed
// BLAKE3, which detects accidental edits; a keyed Sealer also detects
// edits made by anyone without the key.
type Sealer struct {
	key []byte
}

// NewSealer returns a Sealer. key must be empty or exactly 32 bytes.
func NewSealer(key []byte) (Sealer, error) {
	if len(key) != 0 && len(key) != 32 {
		return Sealer{}, fmt.Errorf("certified key must be 32 bytes, got %d", len(key))
	}
	return Sealer{key: append([]byte(nil), key...)}, nil
}

func (s Sealer) digest(payload []byte) (algo, sum string, err error) {
	if len(s.key) == 0 {
		d := blake3.Sum256(payload)
		return algoBLAKE3, hex.EncodeToString(d[:]), nil
	}
	h, err := blake3.NewKeyed(s.key)
	if err != nil {
		return "", "", err
	}
	_, _ = h.Write(payload)
	return algoBLAKE3Keyed, hex.EncodeToString(h.Sum(nil)), nil
}

// Seal serializes rec together with its digest.
func (s Sealer) Seal(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	algo, sum, err := s.digest(payload)
	if err != nil {
		return nil, fmt.Errorf("digest record: %w", err)
	}
	return json.MarshalIndent(envelope{Record: payload, Algo: algo, Digest: sum}, "", "  ")
}

// Open verifies and decodes a sealed record.
func (s Sealer) Open(data []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode certified envelope: %w", err)
	}
	// MarshalIndent re-indents the embedded record; compact it back to the
	// bytes the digest was computed over.
	payload, err := compact(env.Record)
	if err != nil {
		return nil, fmt.Errorf("decode certified record: %w", err)
	}
	algo, sum, err := s.digest(payload)
	if err != nil {
		return nil, fmt.Errorf("digest record: %w", err)
	}
	if algo != env.Algo || sum != env.Digest {
		return nil, ErrCertifiedTampered
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode certified record: %w", err)
	}
	return &rec, nil
}

func compact(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
