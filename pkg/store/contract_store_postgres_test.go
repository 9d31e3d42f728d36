package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func TestPostgresPutContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgresContractStore(db)
	c := testContract("c1")

	mock.ExpectExec("INSERT INTO delegation_contracts").
		WithArgs(
			c.ContractID, "orchestrator", "worker", c.TaskID, c.TaskDescription,
			string(c.VerificationPolicy), sqlmock.AnyArg(), c.TimeoutMs, nil, string(c.Status),
			c.Priority, sqlmock.AnyArg(), nil, nil, nil,
			c.ParentContractID, c.DelegationDepth, string(c.TLPClassification), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.PutContract(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetContract(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgresContractStore(db)
	body := `{"contract_id":"c1","status":"pending","delegatee":{"agent_id":"worker"}}`

	mock.ExpectQuery("SELECT body FROM delegation_contracts WHERE contract_id").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.GetContract(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContractID != "c1" || got.Delegatee.AgentID != "worker" {
		t.Fatalf("unexpected contract: %+v", got)
	}
}

func TestPostgresGetContractNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgresContractStore(db)
	mock.ExpectQuery("SELECT body FROM delegation_contracts WHERE contract_id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err = s.GetContract(context.Background(), "nope")
	if !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPostgresUpdateContractMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgresContractStore(db)
	c := testContract("ghost")
	c.Status = contracts.StatusActive
	now := time.Now().UTC()
	c.ActivatedAt = &now

	mock.ExpectExec("UPDATE delegation_contracts SET").
		WithArgs(string(c.Status), sqlmock.AnyArg(), nil, nil, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateContract(context.Background(), c); !contracts.IsKind(err, contracts.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPostgresCountByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgresContractStore(db)
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).AddRow("active", 1))

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[contracts.StatusPending] != 2 || counts[contracts.StatusActive] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
