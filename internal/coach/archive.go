package coach

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"
)

// PostgresArchive stores finished cases for audit. The live engine never
// reads it back; it exists so a concluded encounter survives the process.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (a *PostgresArchive) ArchiveCase(ctx context.Context, record CaseRecord) error {
	transcriptJSON, err := json.Marshal(record.Transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	var snapshotJSON []byte
	if record.Snapshot != nil {
		snapshotJSON, err = json.Marshal(record.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
	}

	query := `
		INSERT INTO case_archive (id, patient_ref, status, transcript, snapshot, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = $3,
			transcript = $4,
			snapshot = $5,
			closed_at = $7
	`
	_, err = a.db.ExecContext(ctx, query,
		record.ID, record.PatientRef, record.Status, transcriptJSON, snapshotJSON,
		record.OpenedAt, record.ClosedAt)
	return err
}
