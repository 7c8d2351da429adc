package services

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/docparser/internal/models"
)

// Status reports aggregate record counts.
func (p *Pipeline) Status(ctx context.Context) (*models.StatusReport, error) {
	report, err := p.store.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	return report, nil
}

// Attempt returns one parse attempt with its element count.
func (p *Pipeline) Attempt(ctx context.Context, id string) (*models.AttemptResponse, error) {
	attempt, err := p.store.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := p.store.CountElements(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count elements: %w", err)
	}
	return &models.AttemptResponse{Attempt: attempt, Elements: n}, nil
}
