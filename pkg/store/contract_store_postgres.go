package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// PostgresContractStore is the shared-deployment backend. It holds the
// same schema as the SQLite store with Postgres placeholders and types.
type PostgresContractStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresContractStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	s := &PostgresContractStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return s, nil
}

// NewPostgresContractStore wraps an existing handle without migrating,
// for tests against a mock.
func NewPostgresContractStore(db *sql.DB) *PostgresContractStore {
	return &PostgresContractStore{db: db}
}

func (s *PostgresContractStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS delegation_contracts (
        contract_id TEXT PRIMARY KEY,
        delegator_agent_id TEXT NOT NULL,
        delegatee_agent_id TEXT NOT NULL,
        task_id TEXT NOT NULL,
        task_description TEXT,
        verification_policy TEXT,
        success_criteria JSONB,
        timeout_ms BIGINT NOT NULL DEFAULT 0,
        permission_tokens JSONB,
        status TEXT NOT NULL,
        priority INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL,
        activated_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        verification_result JSONB,
        parent_contract_id TEXT,
        delegation_depth INTEGER NOT NULL DEFAULT 0,
        tlp_classification TEXT,
        body JSONB NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_contracts_delegator ON delegation_contracts(delegator_agent_id);
    CREATE INDEX IF NOT EXISTS idx_contracts_delegatee ON delegation_contracts(delegatee_agent_id);
    CREATE INDEX IF NOT EXISTS idx_contracts_status ON delegation_contracts(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func timePtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// PutContract inserts a new contract row.
func (s *PostgresContractStore) PutContract(ctx context.Context, c *contracts.DelegationContract) error {
	body, err := json.Marshal(c)
	if err != nil {
		return contracts.ErrInvalidRequest("serializing contract: %v", err)
	}
	criteria, _ := json.Marshal(c.SuccessCriteria)
	var tokens []byte
	if c.PermissionToken != nil {
		tokens, _ = json.Marshal(c.PermissionToken)
	}
	var verification []byte
	if c.VerificationResult != nil {
		verification, _ = json.Marshal(c.VerificationResult)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO delegation_contracts (
        contract_id, delegator_agent_id, delegatee_agent_id, task_id, task_description,
        verification_policy, success_criteria, timeout_ms, permission_tokens, status,
        priority, created_at, activated_at, completed_at, verification_result,
        parent_contract_id, delegation_depth, tlp_classification, body
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ContractID, c.Delegator.AgentID, c.Delegatee.AgentID, c.TaskID, c.TaskDescription,
		string(c.VerificationPolicy), string(criteria), c.TimeoutMs, nullableBytes(tokens), string(c.Status),
		c.Priority, c.CreatedAt.UTC(), timePtrOrNil(c.ActivatedAt), timePtrOrNil(c.CompletedAt),
		nullableBytes(verification), c.ParentContractID, c.DelegationDepth,
		string(c.TLPClassification), string(body))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return contracts.ErrInvalidRequest("contract %s already exists", c.ContractID)
		}
		return contracts.ErrStorageUnavailable(err)
	}
	return nil
}

// GetContract loads one contract by ID.
func (s *PostgresContractStore) GetContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM delegation_contracts WHERE contract_id = $1`, contractID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrNotFound("contract %s not found", contractID)
	}
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	var c contracts.DelegationContract
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return &c, nil
}

// UpdateContract rewrites an existing contract row.
func (s *PostgresContractStore) UpdateContract(ctx context.Context, c *contracts.DelegationContract) error {
	body, err := json.Marshal(c)
	if err != nil {
		return contracts.ErrInvalidRequest("serializing contract: %v", err)
	}
	var verification []byte
	if c.VerificationResult != nil {
		verification, _ = json.Marshal(c.VerificationResult)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE delegation_contracts SET
        status = $1, activated_at = $2, completed_at = $3, verification_result = $4, body = $5
        WHERE contract_id = $6`,
		string(c.Status), timePtrOrNil(c.ActivatedAt), timePtrOrNil(c.CompletedAt),
		nullableBytes(verification), string(body), c.ContractID)
	if err != nil {
		return contracts.ErrStorageUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.ErrStorageUnavailable(err)
	}
	if n == 0 {
		return contracts.ErrNotFound("contract %s not found", c.ContractID)
	}
	return nil
}

// QueryContracts lists contracts matching q.
func (s *PostgresContractStore) QueryContracts(ctx context.Context, q ContractQuery) ([]*contracts.DelegationContract, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.DelegatorID != "" {
		where = append(where, "delegator_agent_id = "+arg(q.DelegatorID))
	}
	if q.DelegateeID != "" {
		where = append(where, "delegatee_agent_id = "+arg(q.DelegateeID))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.TaskID != "" {
		where = append(where, "task_id = "+arg(q.TaskID))
	}

	query := "SELECT body FROM delegation_contracts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	sortCol := "created_at"
	switch q.SortBy {
	case "", "created_at":
	case "priority":
		sortCol = "priority"
	case "status":
		sortCol = "status"
	default:
		return nil, contracts.ErrInvalidRequest("unknown sort column %q", q.SortBy)
	}
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, dir)

	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DelegationContract
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, contracts.ErrStorageUnavailable(err)
		}
		var c contracts.DelegationContract
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, contracts.ErrStorageUnavailable(err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return out, nil
}

// CountByStatus aggregates contract counts per lifecycle state.
func (s *PostgresContractStore) CountByStatus(ctx context.Context) (map[contracts.ContractStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM delegation_contracts GROUP BY status`)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[contracts.ContractStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, contracts.ErrStorageUnavailable(err)
		}
		out[contracts.ContractStatus(status)] = n
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *PostgresContractStore) Close() error { return s.db.Close() }
