package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range schema {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_SaveProposal(t *testing.T) {
	s, mock := newMockPostgres(t)
	p := &contracts.Proposal{
		ID:              contracts.NewProposalID(contracts.OwnerRequestor, "o", "d", "", t0),
		NegotiationID:   "neg-1",
		Issuer:          contracts.IssuerUs,
		ProposalContent: contracts.ProposalContent{Properties: json.RawMessage(`{"a":1}`), Constraints: "()"},
		State:           contracts.ProposalDraft,
		CreatedAt:       t0,
	}
	doc, err := json.Marshal(p)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO market_proposals (id, negotiation_id, state, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, doc = excluded.doc`)).
		WithArgs(p.ID.String(), "neg-1", "DRAFT", t0.UnixNano(), string(doc)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveProposal(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadAgreement(t *testing.T) {
	s, mock := newMockPostgres(t)
	a := &contracts.Agreement{
		ID:        contracts.NewAgreementID(contracts.OwnerProvider, "ab", t0),
		Offer:     contracts.Snapshot{Properties: json.RawMessage(`{"x":1}`), Constraints: "()"},
		Demand:    contracts.Snapshot{Properties: json.RawMessage(`{}`), Constraints: "()"},
		ValidTo:   t0.Add(time.Hour),
		CreatedAt: t0,
		State:     contracts.AgreementPending,
	}
	doc, err := json.Marshal(a)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM market_agreements WHERE id = $1`)).
		WithArgs(a.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(string(doc)))

	got, err := s.LoadAgreement(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, contracts.AgreementPending, got.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadMissing(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM market_subscriptions WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := s.LoadSubscription(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActiveSubscriptions(t *testing.T) {
	s, mock := newMockPostgres(t)
	sub, err := contracts.NewSubscription(contracts.KindOffer, "node-a", json.RawMessage(`{"a":1}`), "()", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	doc, err := json.Marshal(sub)
	require.NoError(t, err)
	now := t0.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM market_subscriptions WHERE kind = $1 AND unsubscribed = 0 AND expires_at > $2 AND node_id = $3 ORDER BY created_at, id`)).
		WithArgs("OFFER", now.UnixNano(), "node-a").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(string(doc)))

	got, err := s.ListActiveSubscriptions(context.Background(), "node-a", contracts.KindOffer, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sub.ID, got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)

	_, err = NewPostgresStore(db)
	require.ErrorIs(t, err, assert.AnError)
}

func agreementChainFixture(t *testing.T) (*contracts.Agreement, *contracts.Proposal, *contracts.Negotiation) {
	t.Helper()
	p := &contracts.Proposal{
		ID:              contracts.NewProposalID(contracts.OwnerRequestor, "o", "d", "", t0),
		NegotiationID:   "neg-1",
		Issuer:          contracts.IssuerThem,
		ProposalContent: contracts.ProposalContent{Properties: json.RawMessage(`{"a":1}`), Constraints: "()"},
		State:           contracts.ProposalAccepted,
		CreatedAt:       t0,
	}
	a := &contracts.Agreement{
		ID:        contracts.NewAgreementID(contracts.OwnerRequestor, p.ID.Hash, t0),
		Offer:     p.ProposalContent,
		Demand:    contracts.Snapshot{Properties: json.RawMessage(`{}`), Constraints: "()"},
		ValidTo:   t0.Add(time.Hour),
		CreatedAt: t0,
		State:     contracts.AgreementProposal,
	}
	n := &contracts.Negotiation{ID: "neg-1", SubscriptionID: "d", OfferID: "o", DemandID: "d", AgreementID: &a.ID, CreatedAt: t0}
	return a, p, n
}

func TestPostgresStore_SaveAgreementChainCommits(t *testing.T) {
	s, mock := newMockPostgres(t)
	a, p, n := agreementChainFixture(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_agreements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO market_proposals").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO market_negotiations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveAgreementChain(context.Background(), a, p, n))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAgreementChainRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)
	a, p, n := agreementChainFixture(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_agreements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO market_proposals").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.SaveAgreementChain(context.Background(), a, p, n)
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDB_ClosesOnMigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)
	mock.ExpectClose()

	_, err = openDB(db, "postgres")
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
