package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/contracts"

	_ "modernc.org/sqlite"
)

// genesisHash anchors the first entry of every audit chain.
const genesisHash = "genesis"

// AuditQuery filters audit log reads.
type AuditQuery struct {
	AgentID    string
	EventType  contracts.AuditEventType
	ContractID string
	Since      time.Time
	Limit      int
}

// ChainedEvent is an audit event with its position in the hash chain.
type ChainedEvent struct {
	contracts.AuditEvent
	Sequence  uint64 `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// AuditLog is the durable, append-only reputation audit log. Each entry
// carries the hash of its predecessor, so any retroactive edit breaks
// the chain and is caught by VerifyChain.
type AuditLog struct {
	db *sql.DB

	// mu serializes appends: the chain head read and the insert must
	// be atomic with respect to other writers in this process.
	mu       sync.Mutex
	sequence uint64
	head     string
}

// OpenAuditLog opens (or creates) the audit database at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	db.SetMaxOpenConns(1)
	return NewAuditLog(db)
}

// NewAuditLog wraps an existing handle and rebuilds the chain head.
func NewAuditLog(db *sql.DB) (*AuditLog, error) {
	l := &AuditLog{db: db, head: genesisHash}
	if err := l.migrate(); err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	if err := l.recoverHead(); err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	return l, nil
}

func (l *AuditLog) migrate() error {
	if _, err := l.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enabling WAL: %w", err)
	}
	query := `
    CREATE TABLE IF NOT EXISTS reputation_audit_log (
        event_id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL UNIQUE,
        event_type TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        agent_id TEXT NOT NULL,
        agent_name TEXT,
        event_data JSON,
        delegation_contract_id TEXT,
        source_system TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_agent ON reputation_audit_log(agent_id);
    CREATE INDEX IF NOT EXISTS idx_audit_type ON reputation_audit_log(event_type);
    CREATE INDEX IF NOT EXISTS idx_audit_contract ON reputation_audit_log(delegation_contract_id);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// recoverHead never trusts in-memory state across restarts; the chain
// head is rebuilt from the last durable row.
func (l *AuditLog) recoverHead() error {
	row := l.db.QueryRow(
		`SELECT sequence, entry_hash FROM reputation_audit_log ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		l.sequence = seq
		l.head = hash
	case sql.ErrNoRows:
	default:
		return err
	}
	return nil
}

// entryHash computes the chained hash over the entry's canonical form.
func entryHash(ev *ChainedEvent) (string, error) {
	material := map[string]any{
		"event_id":               ev.EventID,
		"sequence":               ev.Sequence,
		"event_type":             string(ev.EventType),
		"timestamp":              ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"agent_id":               ev.AgentID,
		"agent_name":             ev.AgentName,
		"event_data":             string(ev.EventData),
		"delegation_contract_id": ev.DelegationContractID,
		"source_system":          ev.SourceSystem,
		"prev_hash":              ev.PrevHash,
	}
	canonical, err := canonicalize.JCS(material)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(canonical), nil
}

// Append writes one event to the log. Missing IDs and timestamps are
// filled in. Safe for concurrent callers.
func (l *AuditLog) Append(ctx context.Context, ev contracts.AuditEvent) (*ChainedEvent, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.SourceSystem == "" {
		ev.SourceSystem = "covenant"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chained := &ChainedEvent{
		AuditEvent: ev,
		Sequence:   l.sequence + 1,
		PrevHash:   l.head,
	}
	hash, err := entryHash(chained)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	chained.EntryHash = hash

	_, err = l.db.ExecContext(ctx, `INSERT INTO reputation_audit_log (
        event_id, sequence, event_type, timestamp, agent_id, agent_name,
        event_data, delegation_contract_id, source_system, prev_hash, entry_hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chained.EventID, chained.Sequence, string(chained.EventType),
		chained.Timestamp.UTC().Format(time.RFC3339Nano), chained.AgentID, chained.AgentName,
		nullableBytes(chained.EventData), chained.DelegationContractID,
		chained.SourceSystem, chained.PrevHash, chained.EntryHash)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}

	l.sequence = chained.Sequence
	l.head = chained.EntryHash
	return chained, nil
}

func scanEvent(rows *sql.Rows) (*ChainedEvent, error) {
	var ev ChainedEvent
	var eventType, timestamp string
	var agentName, eventData, contractID sql.NullString
	if err := rows.Scan(&ev.EventID, &ev.Sequence, &eventType, &timestamp,
		&ev.AgentID, &agentName, &eventData, &contractID,
		&ev.SourceSystem, &ev.PrevHash, &ev.EntryHash); err != nil {
		return nil, err
	}
	ev.EventType = contracts.AuditEventType(eventType)
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp of %s: %w", ev.EventID, err)
	}
	ev.Timestamp = ts
	ev.AgentName = agentName.String
	if eventData.Valid {
		ev.EventData = json.RawMessage(eventData.String)
	}
	ev.DelegationContractID = contractID.String
	return &ev, nil
}

const auditColumns = `event_id, sequence, event_type, timestamp, agent_id, agent_name,
    event_data, delegation_contract_id, source_system, prev_hash, entry_hash`

// Query reads events matching q in chain order.
func (l *AuditLog) Query(ctx context.Context, q AuditQuery) ([]*ChainedEvent, error) {
	var where []string
	var args []any
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.EventType))
	}
	if q.ContractID != "" {
		where = append(where, "delegation_contract_id = ?")
		args = append(args, q.ContractID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT " + auditColumns + " FROM reputation_audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.ErrStorageUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ChainedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, contracts.ErrStorageUnavailable(err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VerifyChain walks the full log and recomputes every entry hash.
// It returns the number of verified entries, or an error naming the
// first entry where the chain breaks.
func (l *AuditLog) VerifyChain(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM reputation_audit_log ORDER BY sequence ASC")
	if err != nil {
		return 0, contracts.ErrStorageUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	n := 0
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return n, contracts.ErrStorageUnavailable(err)
		}
		if ev.PrevHash != prev {
			return n, fmt.Errorf("audit chain broken at sequence %d: prev_hash mismatch", ev.Sequence)
		}
		want, err := entryHash(ev)
		if err != nil {
			return n, err
		}
		if ev.EntryHash != want {
			return n, fmt.Errorf("audit chain broken at sequence %d: entry hash mismatch", ev.Sequence)
		}
		prev = ev.EntryHash
		n++
	}
	return n, rows.Err()
}

// Close releases the database handle.
func (l *AuditLog) Close() error { return l.db.Close() }
