package witness

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/enclavedb/pkg/security"
	"github.com/cuemby/enclavedb/pkg/types"
)

// OpRecord is one operation folded into a witness: either a plain read
// (Content carries the observed value) or a write (Content carries the
// newly written value). No caller in this module fills Diff.
type OpRecord struct {
	Type    types.EventType `json:"type"`
	Key     string          `json:"key"`
	Shard   types.ShardID   `json:"shard"`
	Block   types.BlockID   `json:"block"`
	Index   types.EventIndex `json:"index"`
	Content json.RawMessage `json:"content,omitempty"`
	Diff    json.RawMessage `json:"diff,omitempty"`
}

// Witness is the unsigned body of a receipt: what isolation level an
// operation or transaction ran under and every read/write it performed.
type Witness struct {
	Isolation  string     `json:"isolation"`
	Identity   string     `json:"identity"`
	Operations []OpRecord `json:"operations"`
}

// Signed pairs a witness's canonical JSON encoding with a detached
// signature over those exact bytes.
type Signed struct {
	Body      []byte `json:"body"`
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"public_key"`
}

// Sign canonically encodes w and signs it with signer.
func (w Witness) Sign(signer security.Signer) (*Signed, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("witness: marshal: %w", err)
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("witness: sign: %w", err)
	}
	return &Signed{Body: body, Signature: sig, PublicKey: signer.PublicKey()}, nil
}

// Verify reports whether s's signature is valid over its body.
func (s *Signed) Verify() bool {
	return security.Verify(s.PublicKey, s.Body, s.Signature)
}

// Witness unmarshals s's body back into a Witness.
func (s *Signed) Witness() (Witness, error) {
	var w Witness
	if err := json.Unmarshal(s.Body, &w); err != nil {
		return Witness{}, fmt.Errorf("witness: unmarshal body: %w", err)
	}
	return w, nil
}

const (
	armorHeader = "-----BEGIN ENCLAVEDB WITNESS-----"
	armorFooter = "-----END ENCLAVEDB WITNESS-----"
)

// Armor renders a signed witness as a transport/display-friendly
// base64 block bracketed by banner lines, one field per line in a fixed
// order so Dearmor can parse it without a full parser.
func (s *Signed) Armor() string {
	var b strings.Builder
	b.WriteString(armorHeader)
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(s.Body))
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(s.Signature))
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(s.PublicKey))
	b.WriteByte('\n')
	b.WriteString(armorFooter)
	b.WriteByte('\n')
	return b.String()
}

// Dearmor parses the output of Armor back into a Signed.
func Dearmor(text string) (*Signed, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 5 || strings.TrimSpace(lines[0]) != armorHeader || strings.TrimSpace(lines[4]) != armorFooter {
		return nil, fmt.Errorf("witness: malformed armored witness")
	}
	body, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("witness: decode body: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[2]))
	if err != nil {
		return nil, fmt.Errorf("witness: decode signature: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lines[3]))
	if err != nil {
		return nil, fmt.Errorf("witness: decode public key: %w", err)
	}
	return &Signed{Body: body, Signature: sig, PublicKey: pub}, nil
}
