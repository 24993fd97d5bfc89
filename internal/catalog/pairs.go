package catalog

import (
	"context"
	"fmt"

	"github.com/dbsmedya/geomatch/internal/types"
)

var pairColumns = []string{"image_a", "image_b", "origin", "state", "inliers", "updated_at"}

// SavePairs records candidates. Existing rows are only touched when the
// state changes; the first origin is kept. Returns the number of rows
// inserted or updated.
func (c *Catalog) SavePairs(ctx context.Context, cands []types.PairCandidate) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := c.dialect.Rebind(`UPDATE geomatch_pair
		SET state = ?, inliers = ?, updated_at = ?
		WHERE image_a = ? AND image_b = ? AND state <> ?`)
	insert := c.dialect.Upsert("geomatch_pair", pairColumns, pairColumns[:2], nil)

	now := c.now().UTC()
	changed := 0
	for _, p := range cands {
		res, err := tx.ExecContext(ctx, update,
			string(p.State), p.Inliers, now, p.Key.A, p.Key.B, string(p.State))
		if err != nil {
			return 0, fmt.Errorf("failed to update pair %s: %w", p.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n > 0 {
			changed++
			continue
		}

		res, err = tx.ExecContext(ctx, insert,
			p.Key.A, p.Key.B, string(p.Origin), string(p.State), p.Inliers, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert pair %s: %w", p.Key, err)
		}
		if n, err = res.RowsAffected(); err == nil && n > 0 {
			changed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pairs: %w", err)
	}
	c.logger.Debugf("Saved %d of %d pair candidates", changed, len(cands))
	return changed, nil
}

// PairsByState returns the candidates in the given state ordered by key.
func (c *Catalog) PairsByState(ctx context.Context, state types.PairState) ([]types.PairCandidate, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.Rebind(`
		SELECT image_a, image_b, origin, state, inliers
		FROM geomatch_pair
		WHERE state = ?
		ORDER BY image_a, image_b`), string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.PairCandidate
	for rows.Next() {
		var p types.PairCandidate
		var origin, st string
		if err := rows.Scan(&p.Key.A, &p.Key.B, &origin, &st, &p.Inliers); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		p.Origin = types.Origin(origin)
		p.State = types.PairState(st)
		out = append(out, p)
	}
	return out, rows.Err()
}
