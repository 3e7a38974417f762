// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/control-plane/types"
)

const mandelboxColumns = `id, app, instance_id, user_id, session_id, status, created_at`

func scanMandelbox(row pgx.Row) (Mandelbox, error) {
	var (
		mandelbox Mandelbox
		id        uuid.UUID
	)
	err := row.Scan(
		&id,
		&mandelbox.App,
		&mandelbox.InstanceID,
		&mandelbox.UserID,
		&mandelbox.SessionID,
		&mandelbox.Status,
		&mandelbox.CreatedAt,
	)
	mandelbox.ID = types.MandelboxID(id)
	return mandelbox, err
}

func scanMandelboxes(rows pgx.Rows) ([]Mandelbox, error) {
	defer rows.Close()

	var mandelboxes []Mandelbox
	for rows.Next() {
		mandelbox, err := scanMandelbox(rows)
		if err != nil {
			return nil, err
		}
		mandelboxes = append(mandelboxes, mandelbox)
	}
	return mandelboxes, rows.Err()
}

// QueryMandelbox queries the database for mandelboxes on the given instance
// with the given status.
func (q *queries) QueryMandelbox(ctx context.Context, instanceID string, status MandelboxStatus) ([]Mandelbox, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+mandelboxColumns+`
		FROM whist.mandelboxes
		WHERE instance_id = $1 AND status = $2`, instanceID, string(status))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanMandelboxes(rows)
}

// QueryUserMandelboxes returns the mandelboxes assigned to the given user
// that are not dying. The result counts toward the per-user mandelbox limit.
func (q *queries) QueryUserMandelboxes(ctx context.Context, userID types.UserID) ([]Mandelbox, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+mandelboxColumns+`
		FROM whist.mandelboxes
		WHERE user_id = $1 AND status != $2`, string(userID), string(MandelboxStatusDying))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanMandelboxes(rows)
}

// InsertMandelboxes adds the received mandelboxes to the database.
func (q *queries) InsertMandelboxes(ctx context.Context, insertParams []Mandelbox) (int, error) {
	var inserted int
	for _, mandelbox := range insertParams {
		result, err := q.db.Exec(ctx, `
			INSERT INTO whist.mandelboxes
				(id, app, instance_id, user_id, session_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.UUID(mandelbox.ID),
			mandelbox.App,
			mandelbox.InstanceID,
			string(mandelbox.UserID),
			mandelbox.SessionID,
			string(mandelbox.Status),
			mandelbox.CreatedAt,
		)
		if err != nil {
			return inserted, mapPostgresError(err)
		}
		inserted += int(result.RowsAffected())
	}
	return inserted, nil
}

// UpdateMandelbox updates the received fields on the database.
func (q *queries) UpdateMandelbox(ctx context.Context, updateParams Mandelbox) (int, error) {
	result, err := q.db.Exec(ctx, `
		UPDATE whist.mandelboxes
		SET app = $2, instance_id = $3, user_id = $4, session_id = $5, status = $6
		WHERE id = $1`,
		uuid.UUID(updateParams.ID),
		updateParams.App,
		updateParams.InstanceID,
		string(updateParams.UserID),
		updateParams.SessionID,
		string(updateParams.Status),
	)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}

// RemoveStaleMandelboxes removes mandelboxes that have an old creation time
// but are still marked as allocated, or have been marked connecting for too
// long. Their user never showed up, so their capacity goes back to the pool.
func (q *queries) RemoveStaleMandelboxes(ctx context.Context, allocatedAge time.Duration, connectingAge time.Duration) (int, error) {
	result, err := q.db.Exec(ctx, `
		DELETE FROM whist.mandelboxes
		WHERE (status = $1 AND created_at < $2)
		   OR (status = $3 AND created_at < $4)`,
		string(MandelboxStatusAllocated),
		time.Now().Add(-1*allocatedAge),
		string(MandelboxStatusConnecting),
		time.Now().Add(-1*connectingAge),
	)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}
