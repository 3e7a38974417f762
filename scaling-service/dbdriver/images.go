// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/control-plane/utils"
)

const imageColumns = `provider, region, image_id, client_sha, active, protected, updated_at`

func scanImage(row pgx.Row) (Image, error) {
	var image Image
	err := row.Scan(
		&image.Provider,
		&image.Region,
		&image.ImageID,
		&image.ClientSHA,
		&image.Active,
		&image.Protected,
		&image.UpdatedAt,
	)
	return image, err
}

// QueryImage queries the database for the image on the given region built
// against the given commit hash.
func (q *queries) QueryImage(ctx context.Context, region string, clientSHA string) (Image, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+imageColumns+`
		FROM whist.images
		WHERE region = $1 AND client_sha = $2`, region, clientSHA)

	image, err := scanImage(row)
	if err != nil {
		return Image{}, mapPostgresError(err)
	}
	return image, nil
}

// QueryLatestImage returns the active image for the given provider and
// region. New instances and assigns use the active image only. A region can
// only have one active image at a time, finding more than one means the
// catalog is corrupted and the query fails instead of picking one at random.
func (q *queries) QueryLatestImage(ctx context.Context, provider string, region string) (Image, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+imageColumns+`
		FROM whist.images
		WHERE provider = $1 AND region = $2 AND active`, provider, region)
	if err != nil {
		return Image{}, mapPostgresError(err)
	}
	defer rows.Close()

	var active []Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return Image{}, mapPostgresError(err)
		}
		active = append(active, image)
	}
	if err := rows.Err(); err != nil {
		return Image{}, mapPostgresError(err)
	}

	return soleActiveImage(region, active)
}

// soleActiveImage reduces the active image rows of a region to the single
// image they are expected to hold. Multiple active images mean assigns and
// scale ups could land on different generations, so the whole set is
// rejected.
func soleActiveImage(region string, active []Image) (Image, error) {
	switch len(active) {
	case 0:
		return Image{}, ErrNotFound
	case 1:
		return active[0], nil
	default:
		ids := make([]string, 0, len(active))
		for _, image := range active {
			ids = append(ids, image.ImageID)
		}
		return Image{}, utils.MakeError("region %s has %d active images (%s), expected exactly one", region, len(active), strings.Join(ids, ", "))
	}
}

// QueryImagesByRegion returns every image row registered on the given
// region, active or not.
func (q *queries) QueryImagesByRegion(ctx context.Context, region string) ([]Image, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+imageColumns+`
		FROM whist.images
		WHERE region = $1`, region)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// InsertImages adds the received images to the database.
func (q *queries) InsertImages(ctx context.Context, insertParams []Image) (int, error) {
	var inserted int
	for _, image := range insertParams {
		result, err := q.db.Exec(ctx, `
			INSERT INTO whist.images
				(provider, region, image_id, client_sha, active, protected, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			image.Provider,
			image.Region,
			image.ImageID,
			image.ClientSHA,
			image.Active,
			image.Protected,
			time.Now(),
		)
		if err != nil {
			return inserted, mapPostgresError(err)
		}
		inserted += int(result.RowsAffected())
	}
	return inserted, nil
}

// UpdateImage updates the received fields on the database. Images are keyed
// by (region, client_sha).
func (q *queries) UpdateImage(ctx context.Context, updateParams Image) (int, error) {
	result, err := q.db.Exec(ctx, `
		UPDATE whist.images
		SET provider = $3, image_id = $4, active = $5, protected = $6, updated_at = $7
		WHERE region = $1 AND client_sha = $2`,
		updateParams.Region,
		updateParams.ClientSHA,
		updateParams.Provider,
		updateParams.ImageID,
		updateParams.Active,
		updateParams.Protected,
		time.Now(),
	)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}

// DeleteImage removes the image on the given region built against the given
// commit hash.
func (q *queries) DeleteImage(ctx context.Context, region string, clientSHA string) (int, error) {
	result, err := q.db.Exec(ctx, `
		DELETE FROM whist.images
		WHERE region = $1 AND client_sha = $2`, region, clientSHA)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	return int(result.RowsAffected()), nil
}
