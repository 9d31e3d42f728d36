package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteContractStore stores contracts in a single SQLite database with
// WAL journaling so reads do not block the writer.
type SQLiteContractStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteContractStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteContractStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return s, nil
}

// NewSQLiteContractStore wraps an existing handle, for tests.
func NewSQLiteContractStore(db *sql.DB) (*SQLiteContractStore, error) {
	s := &SQLiteContractStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return s, nil
}

func (s *SQLiteContractStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enabling WAL: %w", err)
	}
	query := `
    CREATE TABLE IF NOT EXISTS delegation_contracts (
        contract_id TEXT PRIMARY KEY,
        delegator_agent_id TEXT NOT NULL,
        delegatee_agent_id TEXT NOT NULL,
        task_id TEXT NOT NULL,
        task_description TEXT,
        verification_policy TEXT,
        success_criteria JSON,
        timeout_ms INTEGER NOT NULL DEFAULT 0,
        permission_tokens JSON,
        status TEXT NOT NULL,
        priority INTEGER NOT NULL DEFAULT 0,
        created_at TEXT NOT NULL,
        activated_at TEXT,
        completed_at TEXT,
        verification_result JSON,
        parent_contract_id TEXT,
        delegation_depth INTEGER NOT NULL DEFAULT 0,
        tlp_classification TEXT,
        body JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_contracts_delegator ON delegation_contracts(delegator_agent_id);
    CREATE INDEX IF NOT EXISTS idx_contracts_delegatee ON delegation_contracts(delegatee_agent_id);
    CREATE INDEX IF NOT EXISTS idx_contracts_status ON delegation_contracts(status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// PutContract inserts a new contract. Duplicate IDs are rejected.
func (s *SQLiteContractStore) PutContract(ctx context.Context, c *contracts.DelegationContract) error {
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
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ContractID, c.Delegator.AgentID, c.Delegatee.AgentID, c.TaskID, c.TaskDescription,
		string(c.VerificationPolicy), string(criteria), c.TimeoutMs, nullableBytes(tokens), string(c.Status),
		c.Priority, c.CreatedAt.UTC().Format(time.RFC3339Nano), timePtrString(c.ActivatedAt),
		timePtrString(c.CompletedAt), nullableBytes(verification),
		c.ParentContractID, c.DelegationDepth, string(c.TLPClassification), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return contracts.ErrInvalidRequest("contract %s already exists", c.ContractID)
		}
		return contracts.ErrStorageUnavailable(err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// GetContract loads one contract by ID.
func (s *SQLiteContractStore) GetContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM delegation_contracts WHERE contract_id = ?`, contractID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, contracts.ErrNotFound("contract %s not found", contractID)
	}
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	var c contracts.DelegationContract
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, contracts.ErrStorageUnavailable(fmt.Errorf("decoding contract %s: %w", contractID, err))
	}
	return &c, nil
}

// UpdateContract rewrites an existing contract row.
func (s *SQLiteContractStore) UpdateContract(ctx context.Context, c *contracts.DelegationContract) error {
	body, err := json.Marshal(c)
	if err != nil {
		return contracts.ErrInvalidRequest("serializing contract: %v", err)
	}
	var verification []byte
	if c.VerificationResult != nil {
		verification, _ = json.Marshal(c.VerificationResult)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE delegation_contracts SET
        status = ?, activated_at = ?, completed_at = ?, verification_result = ?, body = ?
        WHERE contract_id = ?`,
		string(c.Status), timePtrString(c.ActivatedAt), timePtrString(c.CompletedAt),
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
func (s *SQLiteContractStore) QueryContracts(ctx context.Context, q ContractQuery) ([]*contracts.DelegationContract, error) {
	var where []string
	var args []any
	if q.DelegatorID != "" {
		where = append(where, "delegator_agent_id = ?")
		args = append(args, q.DelegatorID)
	}
	if q.DelegateeID != "" {
		where = append(where, "delegatee_agent_id = ?")
		args = append(args, q.DelegateeID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
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
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, q.Offset)
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
func (s *SQLiteContractStore) CountByStatus(ctx context.Context) (map[contracts.ContractStatus]int, error) {
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
func (s *SQLiteContractStore) Close() error { return s.db.Close() }
