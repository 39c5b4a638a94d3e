package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/models"
)

// SaveCapsule persists a capsule transactionally, keyed by request_id.
// Blobs are content-addressed and written before the manifest row commits;
// a duplicate request returns the existing capsule ID with created=false.
func (c *Client) SaveCapsule(ctx context.Context, manifest *models.CapsuleManifest, workflowID, tenantID string) (uuid.UUID, bool, error) {
	if manifest == nil || len(manifest.Files) == 0 {
		return uuid.Nil, false, fmt.Errorf("capsule manifest has no files")
	}
	if manifest.RequestID == "" {
		return uuid.Nil, false, fmt.Errorf("capsule manifest has no request_id")
	}

	capsuleID, err := uuid.Parse(manifest.CapsuleID)
	if err != nil {
		capsuleID = uuid.New()
	}

	var totalBytes int64
	for _, f := range manifest.Files {
		totalBytes += int64(f.Size)
	}

	createdAt := manifest.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	created := false
	err = c.WithTransactionCB(ctx, func(tx *circuitbreaker.TxWrapper) error {
		// Blobs first so the manifest never references missing content.
		for _, f := range manifest.Files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capsule_blobs (sha256, content, size, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (sha256) DO NOTHING`,
				f.SHA256, f.Content, f.Size, createdAt,
			); err != nil {
				return fmt.Errorf("failed to save blob %s: %w", f.Path, err)
			}
		}

		row, err := tx.QueryRowContext(ctx, `
			INSERT INTO capsules (
				id, request_id, workflow_id, tenant_id,
				languages, entry_points, file_count, total_bytes,
				validation, cost, partial, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (request_id) DO NOTHING
			RETURNING id`,
			capsuleID, manifest.RequestID, workflowID, tenantID,
			StringSlice(manifest.Languages), StringSlice(manifest.EntryPoints),
			len(manifest.Files), totalBytes,
			toJSONB(manifest.ValidationSummary), toJSONB(manifest.CostSummary),
			manifest.ValidationSummary.Partial, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert capsule: %w", err)
		}

		switch err := row.Scan(&capsuleID); err {
		case nil:
			created = true
		case sql.ErrNoRows:
			// Conflict: another attempt already persisted this request.
			existing, err := tx.QueryRowContext(ctx,
				`SELECT id FROM capsules WHERE request_id = $1`, manifest.RequestID)
			if err != nil {
				return err
			}
			if err := existing.Scan(&capsuleID); err != nil {
				return fmt.Errorf("failed to resolve existing capsule: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("failed to insert capsule: %w", err)
		}

		for _, f := range manifest.Files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capsule_files (capsule_id, path, sha256, size, producer)
				VALUES ($1, $2, $3, $4, $5)`,
				capsuleID, f.Path, f.SHA256, f.Size, f.Producer,
			); err != nil {
				return fmt.Errorf("failed to save file row %s: %w", f.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}

	outcome := "deduplicated"
	if created {
		outcome = "created"
		if manifest.ValidationSummary.Partial {
			outcome = "partial"
		}
		metrics.CapsuleFiles.Observe(float64(len(manifest.Files)))
	}
	metrics.CapsulesPersisted.WithLabelValues(outcome).Inc()

	c.logger.Info("Capsule persisted",
		zap.String("request_id", manifest.RequestID),
		zap.String("capsule_id", capsuleID.String()),
		zap.Bool("created", created),
		zap.Int("files", len(manifest.Files)),
	)

	return capsuleID, created, nil
}

// GetCapsuleManifest rebuilds a manifest from the capsule and file rows.
// Blob contents are loaded only when withContent is set. Returns (nil, nil)
// when no capsule exists for the request.
func (c *Client) GetCapsuleManifest(ctx context.Context, requestID string, withContent bool) (*models.CapsuleManifest, error) {
	row, err := c.db.QueryRowContext(ctx, `
		SELECT id, request_id, languages, entry_points, validation, cost, created_at
		FROM capsules
		WHERE request_id = $1`, requestID)
	if err != nil {
		return nil, err
	}

	var (
		id          uuid.UUID
		languages   StringSlice
		entryPoints StringSlice
		validation  JSONB
		cost        JSONB
		createdAt   time.Time
	)
	err = row.Scan(&id, &requestID, &languages, &entryPoints, &validation, &cost, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}

	manifest := &models.CapsuleManifest{
		CapsuleID:   id.String(),
		RequestID:   requestID,
		Languages:   languages,
		EntryPoints: entryPoints,
		CreatedAt:   createdAt,
	}
	fromJSONB(validation, &manifest.ValidationSummary)
	fromJSONB(cost, &manifest.CostSummary)

	query := `
		SELECT f.path, f.sha256, f.size, f.producer
		FROM capsule_files f
		WHERE f.capsule_id = $1
		ORDER BY f.path`
	if withContent {
		query = `
		SELECT f.path, f.sha256, f.size, f.producer, b.content
		FROM capsule_files f
		JOIN capsule_blobs b ON b.sha256 = f.sha256
		WHERE f.capsule_id = $1
		ORDER BY f.path`
	}

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f models.CapsuleFile
		if withContent {
			err = rows.Scan(&f.Path, &f.SHA256, &f.Size, &f.Producer, &f.Content)
		} else {
			err = rows.Scan(&f.Path, &f.SHA256, &f.Size, &f.Producer)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan capsule file: %w", err)
		}
		manifest.Files = append(manifest.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return manifest, nil
}

// SweepOrphanBlobs deletes blobs older than the cutoff that no capsule file
// references. Failed persistence attempts leave blobs behind; the 24h window
// keeps in-flight transactions safe.
func (c *Client) SweepOrphanBlobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM capsule_blobs b
		WHERE b.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM capsule_files f WHERE f.sha256 = b.sha256
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphan blobs: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if swept > 0 {
		c.logger.Info("Swept orphan capsule blobs", zap.Int64("count", swept))
	}
	return swept, nil
}

func toJSONB(v interface{}) JSONB {
	raw, err := json.Marshal(v)
	if err != nil {
		return JSONB{}
	}
	var out JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return JSONB{}
	}
	return out
}

func fromJSONB(j JSONB, v interface{}) {
	if j == nil {
		return
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, v)
}
