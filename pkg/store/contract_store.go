// Package store persists delegation contracts and the hash-chained
// reputation audit log. SQLite with WAL journaling is the default
// backend; Postgres is available for shared deployments.
package store

import (
	"context"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// ContractQuery filters and pages contract listings.
type ContractQuery struct {
	DelegatorID string
	DelegateeID string
	Status      contracts.ContractStatus
	TaskID      string

	// SortBy is one of created_at, priority, status. Empty means created_at.
	SortBy   string
	SortDesc bool

	Limit  int
	Offset int
}

// ContractStore is the single source of truth for delegation contracts.
type ContractStore interface {
	PutContract(ctx context.Context, c *contracts.DelegationContract) error
	GetContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error)
	UpdateContract(ctx context.Context, c *contracts.DelegationContract) error
	QueryContracts(ctx context.Context, q ContractQuery) ([]*contracts.DelegationContract, error)
	CountByStatus(ctx context.Context) (map[contracts.ContractStatus]int, error)
	Close() error
}
