// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/control-plane/utils"
)

// instanceColumns is the column list shared by every query that scans a
// full instance row.
const instanceColumns = `id, provider, region, image_id, client_sha, ip_addr,
	instance_type, capacity, status, auth_token, last_heartbeat, created_at, updated_at`

func scanInstance(row pgx.Row) (Instance, error) {
	var instance Instance
	err := row.Scan(
		&instance.ID,
		&instance.Provider,
		&instance.Region,
		&instance.ImageID,
		&instance.ClientSHA,
		&instance.IPAddress,
		&instance.Type,
		&instance.Capacity,
		&instance.Status,
		&instance.AuthToken,
		&instance.LastHeartbeat,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	return instance, err
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// QueryInstance queries the database for an instance with the received id.
func (q *queries) QueryInstance(ctx context.Context, instanceID string) (Instance, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE id = $1`, instanceID)

	instance, err := scanInstance(row)
	if err != nil {
		return Instance{}, mapPostgresError(err)
	}
	return instance, nil
}

// QueryInstancesWithCapacity returns the ACTIVE instances on the given region
// that still have room for mandelboxes, fullest first. Ties between equally
// full instances break on the instance name so concurrent queries agree on
// the ordering.
func (q *queries) QueryInstancesWithCapacity(ctx context.Context, region string) ([]InstanceWithRoom, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, region, image_id, client_sha, ip_addr, capacity, running_mandelboxes
		FROM whist.instances_with_room_for_mandelboxes
		WHERE region = $1
		ORDER BY running_mandelboxes DESC, id ASC`, region)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var instances []InstanceWithRoom
	for rows.Next() {
		var instance InstanceWithRoom
		err := rows.Scan(
			&instance.ID,
			&instance.Region,
			&instance.ImageID,
			&instance.ClientSHA,
			&instance.IPAddress,
			&instance.Capacity,
			&instance.RunningMandelboxes,
		)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// QueryInstancesByStatusOnRegion queries the database for all instances with
// the given status on the given region.
func (q *queries) QueryInstancesByStatusOnRegion(ctx context.Context, status InstanceStatus, region string) ([]Instance, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE status = $1 AND region = $2`, string(status), region)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanInstances(rows)
}

// QueryInstancesByImage queries the database for instances that match the
// given image id.
func (q *queries) QueryInstancesByImage(ctx context.Context, imageID string) ([]Instance, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE image_id = $1`, imageID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanInstances(rows)
}

// QueryUnresponsiveInstances returns the ACTIVE instances whose last
// heartbeat is older than the given threshold.
func (q *queries) QueryUnresponsiveInstances(ctx context.Context, olderThan time.Time) ([]Instance, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE status = $1 AND last_heartbeat < $2`, string(InstanceStatusActive), olderThan)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return scanInstances(rows)
}

// LockInstance reads the instance row with the given id and locks it for the
// remainder of the enclosing transaction. Only valid inside WithTransaction;
// at pool level FOR UPDATE locks are released immediately and provide no
// protection.
func (q *queries) LockInstance(ctx context.Context, instanceID string) (Instance, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM whist.instances
		WHERE id = $1
		FOR UPDATE`, instanceID)

	instance, err := scanInstance(row)
	if err != nil {
		return Instance{}, mapPostgresError(err)
	}
	return instance, nil
}

// InsertInstances adds the received instances to the database.
func (q *queries) InsertInstances(ctx context.Context, insertParams []Instance) (int, error) {
	var inserted int
	for _, instance := range insertParams {
		result, err := q.db.Exec(ctx, `
			INSERT INTO whist.instances
				(id, provider, region, image_id, client_sha, ip_addr, instance_type,
				capacity, status, auth_token, last_heartbeat, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			instance.ID,
			instance.Provider,
			instance.Region,
			instance.ImageID,
			instance.ClientSHA,
			instance.IPAddress,
			instance.Type,
			instance.Capacity,
			string(instance.Status),
			instance.AuthToken,
			instance.LastHeartbeat,
			instance.CreatedAt,
			time.Now(),
		)
		if err != nil {
			return inserted, mapPostgresError(err)
		}
		inserted += int(result.RowsAffected())
	}
	return inserted, nil
}

// UpdateInstance updates the received fields on the database.
func (q *queries) UpdateInstance(ctx context.Context, updateParams Instance) (int, error) {
	result, err := q.db.Exec(ctx, `
		UPDATE whist.instances
		SET provider = $2, region = $3, image_id = $4, client_sha = $5, ip_addr = $6,
			instance_type = $7, capacity = $8, status = $9, updated_at = $10
		WHERE id = $1`,
		updateParams.ID,
		updateParams.Provider,
		updateParams.Region,
		updateParams.ImageID,
		updateParams.ClientSHA,
		updateParams.IPAddress,
		updateParams.Type,
		updateParams.Capacity,
		string(updateParams.Status),
		time.Now(),
	)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}

// UpdateInstanceStatus updates only the status of the instance with the
// given id.
func (q *queries) UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) (int, error) {
	result, err := q.db.Exec(ctx, `
		UPDATE whist.instances
		SET status = $2, updated_at = $3
		WHERE id = $1`, instanceID, string(status), time.Now())
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}

// RegisterInstance marks a PRE_CONNECTION instance as ACTIVE, recording the
// IP address and capacity it reported and the auth token it will present on
// subsequent heartbeats. Registering an instance in any other state affects
// zero rows.
func (q *queries) RegisterInstance(ctx context.Context, instanceID string, ip string, capacity int64, authToken string) (int, error) {
	result, err := q.db.Exec(ctx, `
		UPDATE whist.instances
		SET status = $2, ip_addr = $3, capacity = $4, auth_token = $5, last_heartbeat = $6, updated_at = $6
		WHERE id = $1 AND status = $7`,
		instanceID,
		string(InstanceStatusActive),
		ip,
		capacity,
		authToken,
		time.Now(),
		string(InstanceStatusPreConnection),
	)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}

// UpdateInstanceHeartbeat records a heartbeat for the given instance and
// returns its current status, so the instance learns whether it should start
// draining. The auth token has to match the one handed out at registration.
func (q *queries) UpdateInstanceHeartbeat(ctx context.Context, instanceID string, authToken string) (InstanceStatus, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE whist.instances
		SET last_heartbeat = $3, updated_at = $3
		WHERE id = $1 AND auth_token = $2
		RETURNING status`, instanceID, authToken, time.Now())

	var status InstanceStatus
	if err := row.Scan(&status); err != nil {
		return "", mapPostgresError(err)
	}
	return status, nil
}

// DeleteInstance removes an instance with the given id from the database.
// Mandelbox rows still assigned to it are removed by the same statement so
// we never leave orphaned sessions behind.
func (q *queries) DeleteInstance(ctx context.Context, instanceID string) (int, error) {
	if _, err := q.db.Exec(ctx, `
		DELETE FROM whist.mandelboxes
		WHERE instance_id = $1`, instanceID); err != nil {
		return 0, utils.MakeError("failed to delete mandelboxes of instance %s: %s", instanceID, mapPostgresError(err))
	}

	result, err := q.db.Exec(ctx, `
		DELETE FROM whist.instances
		WHERE id = $1`, instanceID)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}
