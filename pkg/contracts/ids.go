// Package contracts defines the market data model shared by the negotiation
// engine, its stores and its transport: subscriptions, negotiations,
// proposals, agreements, their owner-tagged identifiers and the negotiation
// error taxonomy.
package contracts

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Owner tags which side of a negotiation an identifier belongs to.
type Owner string

// Owner constants.
const (
	OwnerProvider  Owner = "P"
	OwnerRequestor Owner = "R"
)

// Opposite returns the other side.
func (o Owner) Opposite() Owner {
	if o == OwnerProvider {
		return OwnerRequestor
	}
	return OwnerProvider
}

// Valid reports whether o is a known tag.
func (o Owner) Valid() bool { return o == OwnerProvider || o == OwnerRequestor }

func (o Owner) String() string {
	switch o {
	case OwnerProvider:
		return "provider"
	case OwnerRequestor:
		return "requestor"
	}
	return "unknown(" + string(o) + ")"
}

// ProposalID identifies a proposal from one side's perspective. Both sides
// share Hash; Translate switches perspective.
type ProposalID struct {
	Owner Owner
	Hash  string
}

// NewProposalID derives a proposal id from the offer and demand it pairs, the
// previous proposal's hash (empty for initial proposals) and its creation
// time.
func NewProposalID(owner Owner, offerID, demandID, prevHash string, createdAt time.Time) ProposalID {
	return ProposalID{Owner: owner, Hash: digest("proposal", offerID, demandID, prevHash, createdAt)}
}

// ParseProposalID parses "P-<hash>" or "R-<hash>".
func ParseProposalID(s string) (ProposalID, error) {
	owner, hash, err := parseTagged(s)
	if err != nil {
		return ProposalID{}, fmt.Errorf("invalid proposal id: %w", err)
	}
	return ProposalID{Owner: owner, Hash: hash}, nil
}

// Translate returns the same proposal addressed from owner's perspective.
func (id ProposalID) Translate(owner Owner) ProposalID {
	return ProposalID{Owner: owner, Hash: id.Hash}
}

// IsZero reports whether id is unset.
func (id ProposalID) IsZero() bool { return id.Hash == "" }

func (id ProposalID) String() string { return formatTagged(id.Owner, id.Hash) }

// MarshalText implements encoding.TextMarshaler.
func (id ProposalID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProposalID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ProposalID{}
		return nil
	}
	parsed, err := ParseProposalID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AgreementID identifies an agreement from one side's perspective.
type AgreementID struct {
	Owner Owner
	Hash  string
}

// NewAgreementID derives an agreement id from the accepted proposal's hash
// and the agreement creation time.
func NewAgreementID(owner Owner, proposalHash string, createdAt time.Time) AgreementID {
	return AgreementID{Owner: owner, Hash: digest("agreement", proposalHash, "", "", createdAt)}
}

// ParseAgreementID parses "P-<hash>" or "R-<hash>".
func ParseAgreementID(s string) (AgreementID, error) {
	owner, hash, err := parseTagged(s)
	if err != nil {
		return AgreementID{}, fmt.Errorf("invalid agreement id: %w", err)
	}
	return AgreementID{Owner: owner, Hash: hash}, nil
}

// Translate returns the same agreement addressed from owner's perspective.
func (id AgreementID) Translate(owner Owner) AgreementID {
	return AgreementID{Owner: owner, Hash: id.Hash}
}

// IsZero reports whether id is unset.
func (id AgreementID) IsZero() bool { return id.Hash == "" }

func (id AgreementID) String() string { return formatTagged(id.Owner, id.Hash) }

// MarshalText implements encoding.TextMarshaler.
func (id AgreementID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgreementID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = AgreementID{}
		return nil
	}
	parsed, err := ParseAgreementID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func formatTagged(owner Owner, hash string) string {
	if hash == "" {
		return ""
	}
	return string(owner) + "-" + hash
}

func parseTagged(s string) (Owner, string, error) {
	tag, hash, ok := strings.Cut(s, "-")
	if !ok {
		return "", "", fmt.Errorf("%q: missing owner tag", s)
	}
	owner := Owner(tag)
	if !owner.Valid() {
		return "", "", fmt.Errorf("%q: unknown owner tag %q", s, tag)
	}
	if _, err := hex.DecodeString(hash); err != nil || hash == "" {
		return "", "", fmt.Errorf("%q: hash must be non-empty hex", s)
	}
	return owner, strings.ToLower(hash), nil
}

// digest is a BLAKE3 hash over length-prefixed parts and the timestamp.
func digest(domain string, a, b, c string, ts time.Time) string {
	h := blake3.New()
	var n [8]byte
	for _, part := range []string{domain, a, b, c} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(part))
	}
	binary.BigEndian.PutUint64(n[:], uint64(ts.UTC().UnixNano()))
	_, _ = h.Write(n[:])
	return hex.EncodeToString(h.Sum(nil))
}
