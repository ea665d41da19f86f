package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestProposalID(t *testing.T) {
	id := NewProposalID(OwnerRequestor, "offer-1", "demand-1", "", t0)
	assert.Equal(t, OwnerRequestor, id.Owner)
	assert.Len(t, id.Hash, 64)
	assert.Equal(t, "R-"+id.Hash, id.String())

	parsed, err := ParseProposalID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	provider := id.Translate(OwnerProvider)
	assert.Equal(t, "P-"+id.Hash, provider.String())
	assert.Equal(t, id, provider.Translate(OwnerRequestor))

	assert.NotEqual(t, id.Hash, NewProposalID(OwnerRequestor, "offer-1", "demand-1", id.Hash, t0).Hash)
	assert.NotEqual(t, id.Hash, NewProposalID(OwnerRequestor, "offer-1", "demand-1", "", t0.Add(time.Millisecond)).Hash)
	assert.Equal(t, id.Hash, NewProposalID(OwnerProvider, "offer-1", "demand-1", "", t0).Hash)
}

func TestParseIDErrors(t *testing.T) {
	for _, s := range []string{"", "abc", "X-abcd", "P-", "P-xyz", "R"} {
		_, err := ParseProposalID(s)
		assert.Error(t, err, s)
		_, err = ParseAgreementID(s)
		assert.Error(t, err, s)
	}
}

func TestIDJSON(t *testing.T) {
	prev := NewProposalID(OwnerProvider, "o", "d", "", t0)
	p := Proposal{
		ID:              NewProposalID(OwnerProvider, "o", "d", prev.Hash, t0),
		PrevID:          &prev,
		Issuer:          IssuerUs,
		ProposalContent: ProposalContent{Properties: json.RawMessage(`{"a":1}`), Constraints: "()"},
		State:           ProposalDraft,
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":"P-`+p.ID.Hash+`"`)

	var back Proposal
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, prev, *back.PrevID)
	assert.Equal(t, "()", back.Constraints)

	var empty struct {
		ID AgreementID `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"id":""}`), &empty))
	assert.True(t, empty.ID.IsZero())
}

func TestAgreementTransitions(t *testing.T) {
	tests := []struct {
		from AgreementState
		to   AgreementState
		ok   bool
	}{
		{AgreementProposal, AgreementPending, true},
		{AgreementProposal, AgreementCancelled, true},
		{AgreementProposal, AgreementApproved, false},
		{AgreementPending, AgreementApproved, true},
		{AgreementPending, AgreementRejected, true},
		{AgreementPending, AgreementExpired, true},
		{AgreementPending, AgreementProposal, false},
		{AgreementApproved, AgreementTerminated, true},
		{AgreementApproved, AgreementExpired, true},
		{AgreementApproved, AgreementPending, false},
		{AgreementApproved, AgreementCancelled, false},
		{AgreementTerminated, AgreementApproved, false},
		{AgreementRejected, AgreementPending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			a := &Agreement{ID: NewAgreementID(OwnerProvider, "ab", t0), State: tt.from}
			err := a.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, a.State)
				return
			}
			var se *StateError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, string(tt.from), se.Actual)
			assert.Equal(t, tt.from, a.State, "failed transition must not mutate")
		})
	}

	for _, s := range []AgreementState{AgreementRejected, AgreementCancelled, AgreementExpired, AgreementTerminated} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, AgreementApproved.IsTerminal())
}

func TestAgreementSigningPayloadIsOwnerIndependent(t *testing.T) {
	a := &Agreement{
		ID:               NewAgreementID(OwnerRequestor, "ab", t0),
		OfferProposalID:  NewProposalID(OwnerRequestor, "o", "d", "", t0),
		DemandProposalID: NewProposalID(OwnerRequestor, "o", "d", "x", t0),
		OfferID:          "o",
		DemandID:         "d",
		Offer:            Snapshot{Properties: json.RawMessage(`{"b":2, "a":1}`), Constraints: "()"},
		Demand:           Snapshot{Properties: json.RawMessage(`{}`), Constraints: "(a=1)"},
		ValidTo:          t0.Add(time.Hour),
		CreatedAt:        t0,
		State:            AgreementProposal,
	}
	p1, err := a.SigningPayload()
	require.NoError(t, err)

	translated := a.Translate(OwnerProvider)
	translated.State = AgreementApproved
	translated.ApprovedSignature = "ff"
	p2, err := translated.SigningPayload()
	require.NoError(t, err)
	assert.Equal(t, string(p1), string(p2))
	assert.Contains(t, string(p1), `{"a":1,"b":2}`)
	assert.Equal(t, OwnerProvider, translated.ID.Owner)
	assert.Equal(t, OwnerRequestor, a.ID.Owner)
}

func TestSubscription(t *testing.T) {
	props := json.RawMessage(`{"golem":{"inf":{"mem":{"gib":4}}}}`)
	s1, err := NewSubscription(KindOffer, "node-a", props, "()", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	reordered := json.RawMessage(`{ "golem": { "inf": { "mem": { "gib": 4.0 } } } }`)
	s2, err := NewSubscription(KindOffer, "node-a", reordered, "()", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID, "id is content-derived")

	s3, err := NewSubscription(KindOffer, "node-b", props, "()", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s3.ID)

	require.NoError(t, s1.Validate(t0.Add(time.Minute)))
	require.ErrorIs(t, s1.Validate(t0.Add(time.Hour)), ErrExpired)

	cp := s1.Clone()
	cp.Unsubscribed = true
	cp.Properties[0] = ' '
	require.ErrorIs(t, cp.Validate(t0), ErrUnsubscribed)
	require.NoError(t, s1.Validate(t0))
	assert.Equal(t, byte('{'), s1.Properties[0])
}

func TestProposalCheckCounterable(t *testing.T) {
	base := Proposal{
		ID:        NewProposalID(OwnerProvider, "o", "d", "", t0),
		Issuer:    IssuerThem,
		State:     ProposalDraft,
		ExpiresAt: t0.Add(time.Minute),
	}
	p := base
	require.NoError(t, p.CheckCounterable(t0))

	p = base
	p.Issuer = IssuerUs
	var se *StateError
	require.True(t, errors.As(p.CheckCounterable(t0), &se))

	p = base
	p.State = ProposalRejected
	require.True(t, errors.As(p.CheckCounterable(t0), &se))

	p = base
	p.Countered = true
	require.ErrorIs(t, p.CheckCounterable(t0), ErrAlreadyCountered)

	p = base
	require.ErrorIs(t, p.CheckCounterable(t0.Add(time.Minute)), ErrExpired)
}

func TestToRemote(t *testing.T) {
	tests := []struct {
		err  error
		code RemoteCode
	}{
		{fmt.Errorf("sub x: %w", ErrUnsubscribed), RemoteUnsubscribed},
		{fmt.Errorf("proposal x: %w", ErrExpired), RemoteExpired},
		{fmt.Errorf("load: %w", ErrNotFound), RemoteNotFound},
		{&StateError{Entity: "agreement", ID: "P-ab", Expected: []string{"PENDING"}, Actual: "APPROVED"}, RemoteInvalidState},
		{fmt.Errorf("x: %w", ErrRejected), RemoteRejected},
		{ErrRateLimited, RemoteRateLimited},
		{errors.New("boom"), RemoteInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			r := ToRemote(tt.err)
			require.NotNil(t, r)
			assert.Equal(t, tt.code, r.Code)
		})
	}
	assert.Nil(t, ToRemote(nil))

	remote := &RemoteError{Code: RemoteExpired, Message: "gone"}
	assert.Same(t, remote, ToRemote(fmt.Errorf("wrapped: %w", remote)))
	assert.ErrorIs(t, remote, ErrExpired)
	assert.NotErrorIs(t, remote, ErrUnsubscribed)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&OpError{Op: "counter_proposal", ID: "R-ab", Err: fmt.Errorf("send: %w", ErrTransport)}))
	assert.False(t, IsRetryable(&OpError{Op: "counter_proposal", Err: &RemoteError{Code: RemoteNotFound}}))
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrExpired)))
	assert.False(t, IsRetryable(nil))
}

func TestBreakReason(t *testing.T) {
	r := BreakReason{Kind: BreakNoActivity, Timeout: 90 * time.Second}.Reason()
	assert.Equal(t, "NoActivity", r.Code)
	assert.Contains(t, r.Message, "1m30s")
	assert.Equal(t, "NoActivity", r.Extra[ProviderCodeKey])

	exp := BreakReason{Kind: BreakExpired, Deadline: t0}.Reason()
	assert.Contains(t, exp.Message, "2025-03-01T12:00:00Z")

	for _, k := range []BreakKind{BreakInitializationError, BreakDebitNoteDeadline, BreakDebitNoteRejected,
		BreakDebitNoteCancelled, BreakDebitNoteNotPaid, BreakRequestorUnreachable} {
		r := BreakReason{Kind: k}.Reason()
		assert.NotEmpty(t, r.Message)
		assert.Equal(t, string(k), r.Extra[ProviderCodeKey])
	}
}
