package transport

import (
	"fmt"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
	"github.com/Mindburn-Labs/helm-market/pkg/crypto"
)

// Signer signs outbound envelopes. NodeID must be the hex public key that
// verifies its signatures.
type Signer interface {
	NodeID() string
	Sign(data []byte) (string, error)
}

// signingBytes is the deterministic CBOR of msg without its signature.
func (m Message) signingBytes() ([]byte, error) {
	m.Signature = ""
	return Encode(m)
}

// Seal stamps msg as sent by s and signs it.
func Seal(s Signer, msg Message) (Message, error) {
	msg.From = s.NodeID()
	data, err := msg.signingBytes()
	if err != nil {
		return Message{}, err
	}
	if msg.Signature, err = s.Sign(data); err != nil {
		return Message{}, fmt.Errorf("sign %s: %w", msg.Type, err)
	}
	return msg, nil
}

// VerifyEnvelope checks that msg was signed by the node named in From.
func VerifyEnvelope(msg Message) error {
	if msg.Signature == "" {
		return fmt.Errorf("message %s from %s is unsigned: %w", msg.ID, msg.From, contracts.ErrInvalidSignature)
	}
	data, err := msg.signingBytes()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(msg.From, msg.Signature, data)
	if err != nil || !ok {
		return fmt.Errorf("message %s from %s: %w", msg.ID, msg.From, contracts.ErrInvalidSignature)
	}
	return nil
}

func (r Reply) signingBytes() ([]byte, error) {
	r.Signature = ""
	return Encode(r)
}

func sealReply(s Signer, r Reply) (Reply, error) {
	r.From = s.NodeID()
	data, err := r.signingBytes()
	if err != nil {
		return Reply{}, err
	}
	if r.Signature, err = s.Sign(data); err != nil {
		return Reply{}, fmt.Errorf("sign reply: %w", err)
	}
	return r, nil
}

func verifyReply(r Reply, from string) error {
	if r.From != from {
		return fmt.Errorf("reply to %s from %s, want %s: %w", r.MessageID, r.From, from, contracts.ErrInvalidSignature)
	}
	data, err := r.signingBytes()
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(r.From, r.Signature, data)
	if err != nil || !ok {
		return fmt.Errorf("reply to %s: %w", r.MessageID, contracts.ErrInvalidSignature)
	}
	return nil
}
