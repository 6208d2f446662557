// Package store defines run persistence and provides an embedded bbolt backend.
package store

import (
	"context"
	"errors"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

// ErrNotFound indicates the requested run does not exist.
var ErrNotFound = errors.New("not found")

// Transition is a conditional status change. It applies only when the stored status is
// one of From; the check and the write happen atomically.
type Transition struct {
	From         []models.RunStatus
	To           models.RunStatus
	ErrorMessage *string
}

// RunStore persists runs and registered catalog tables.
//
// TransitionRun is the only primitive that changes status, and it is the claim
// primitive: concurrent callers racing on the same precondition see at most one success.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, filter models.RunFilter) ([]models.Run, error)

	// TransitionRun reports false without error when the precondition does not hold.
	TransitionRun(ctx context.Context, id string, t Transition) (bool, error)

	// SaveRunState writes executor-owned fields (plan, progress, tokens, item results,
	// validation). Status and timestamps are left unchanged.
	SaveRunState(ctx context.Context, run *models.Run) error

	// UpdateReview stores decisions and the derived plan if the run is still review_pending.
	UpdateReview(ctx context.Context, id string, decisions []models.ReviewDecision, plan *models.ExtractionPlan) (bool, error)

	// DeleteRun removes the run if its status is one of allowed.
	DeleteRun(ctx context.Context, id string, allowed []models.RunStatus) (bool, error)

	RegisterTables(ctx context.Context, tables []models.CatalogTable) error
	ListTables(ctx context.Context, runID string) ([]models.CatalogTable, error)

	Close() error
}
