package migrations

import (
	"context"
)

// ApplyAll applies every pending migration through r, one transaction each,
// checking for cancellation between steps. It returns the versions applied
// before stopping, together with the error that stopped it, if any.
func ApplyAll(ctx context.Context, r Runner) ([]int, error) {
	var applied []int
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		m, err := r.ApplyNext(ctx)
		if err != nil {
			return applied, err
		}
		if m == nil {
			return applied, nil
		}
		applied = append(applied, m.Version)
	}
}

// Status reports the migration position of one schema.
type Status struct {
	Schema   string      `json:"schema" yaml:"schema"`
	Applied  []int       `json:"applied" yaml:"applied"`
	Pending  []Migration `json:"pending" yaml:"pending"`
	UpToDate bool        `json:"up_to_date" yaml:"up_to_date"`
}

// Inspect reads applied and pending migrations without changing anything.
func Inspect(ctx context.Context, r Runner) (*Status, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if applied == nil {
		applied = []int{}
	}
	if pending == nil {
		pending = []Migration{}
	}
	return &Status{
		Schema:   r.Schema(),
		Applied:  applied,
		Pending:  pending,
		UpToDate: len(pending) == 0,
	}, nil
}
