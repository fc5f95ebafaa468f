package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/screening"
	"github.com/jackc/pgx/v5"
)

// atomically runs fn inside the current transaction or a new one.
func (s *Store) atomically(ctx context.Context, fn func(*Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.withTx(ctx, fn)
}

func (s *Store) CreateParty(ctx context.Context, rec *domain.ComplianceRecord) error {
	query := `
		INSERT INTO parties (id, legal_name, aliases, kind, country, birth_date, kyc_status, kyc_expires_at,
			kyc_updated_by, kyc_note, kyc_updated_at, next_screening_due, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	return s.atomically(ctx, func(tx *Store) error {
		_, err := tx.q.Exec(ctx, query,
			rec.Party.ID,
			rec.Party.LegalName,
			nonNil(rec.Party.Aliases),
			rec.Party.Kind,
			rec.Party.Country,
			rec.Party.BirthDate,
			rec.KYC.Status,
			rec.KYC.ExpiresAt,
			rec.KYC.UpdatedBy,
			rec.KYC.Note,
			rec.KYC.UpdatedAt,
			dueOrNull(rec.NextScreeningDue()),
			rec.CreatedAt,
			rec.UpdatedAt,
			rec.Version,
		)
		if err != nil {
			return mapWriteError(err, "party", rec.Party.ID)
		}
		if len(rec.Screenings) > 0 {
			return tx.insertScreenings(ctx, rec.Party.ID, rec.Screenings)
		}
		return nil
	})
}

func (s *Store) FindComplianceRecord(ctx context.Context, partyID string) (*domain.ComplianceRecord, error) {
	query := `
		SELECT id, legal_name, aliases, kind, country, birth_date, kyc_status, kyc_expires_at,
			kyc_updated_by, kyc_note, kyc_updated_at, created_at, updated_at, version
		FROM parties
		WHERE id = $1`

	var rec domain.ComplianceRecord
	err := s.q.QueryRow(ctx, query, partyID).Scan(
		&rec.Party.ID,
		&rec.Party.LegalName,
		&rec.Party.Aliases,
		&rec.Party.Kind,
		&rec.Party.Country,
		&rec.Party.BirthDate,
		&rec.KYC.Status,
		&rec.KYC.ExpiresAt,
		&rec.KYC.UpdatedBy,
		&rec.KYC.Note,
		&rec.KYC.UpdatedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, notFoundOr(err, "party", partyID)
	}
	if len(rec.Party.Aliases) == 0 {
		rec.Party.Aliases = nil
	}

	rows, err := s.q.Query(ctx, `
		SELECT id, list, status, score, tier, entity_id, entity_name, explanation, screened_at, expires_at,
			resolved_by, resolution_note, resolved_at
		FROM screening_results
		WHERE party_id = $1
		ORDER BY list, screened_at`, partyID)
	if err != nil {
		return nil, fmt.Errorf("query screening results: %w", err)
	}
	rec.Screenings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ScreeningResult, error) {
		var r domain.ScreeningResult
		err := row.Scan(
			&r.ID,
			&r.List,
			&r.Status,
			&r.Score,
			&r.Tier,
			&r.EntityID,
			&r.EntityName,
			&r.Explanation,
			&r.ScreenedAt,
			&r.ExpiresAt,
			&r.ResolvedBy,
			&r.ResolutionNote,
			&r.ResolvedAt,
		)
		if len(r.Explanation) == 0 {
			r.Explanation = nil
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan screening results: %w", err)
	}
	return &rec, nil
}

func (s *Store) UpdateKYC(ctx context.Context, partyID string, kyc domain.KYC) error {
	query := `
		UPDATE parties SET kyc_status = $1, kyc_expires_at = $2, kyc_updated_by = $3, kyc_note = $4,
			kyc_updated_at = $5, updated_at = NOW(), version = version + 1
		WHERE id = $6`

	tag, err := s.q.Exec(ctx, query, kyc.Status, kyc.ExpiresAt, kyc.UpdatedBy, kyc.Note, kyc.UpdatedAt, partyID)
	if err != nil {
		return fmt.Errorf("failed to update KYC of party %s: %w", partyID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("party", partyID)
	}
	return nil
}

// ReplaceScreenings deletes the party's results and inserts the new set in
// one transaction, then moves the party's next screening due date.
func (s *Store) ReplaceScreenings(ctx context.Context, partyID string, results []domain.ScreeningResult) error {
	var due time.Time
	for _, r := range results {
		if due.IsZero() || r.ExpiresAt.Before(due) {
			due = r.ExpiresAt
		}
	}

	return s.atomically(ctx, func(tx *Store) error {
		tag, err := tx.q.Exec(ctx, `
			UPDATE parties SET next_screening_due = $1, updated_at = NOW(), version = version + 1
			WHERE id = $2`, dueOrNull(due), partyID)
		if err != nil {
			return fmt.Errorf("failed to update party %s: %w", partyID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NewNotFoundError("party", partyID)
		}
		if _, err := tx.q.Exec(ctx, `DELETE FROM screening_results WHERE party_id = $1`, partyID); err != nil {
			return fmt.Errorf("failed to delete screening results of %s: %w", partyID, err)
		}
		return tx.insertScreenings(ctx, partyID, results)
	})
}

// insertScreenings expands the results from a single JSON parameter.
func (s *Store) insertScreenings(ctx context.Context, partyID string, results []domain.ScreeningResult) error {
	if len(results) == 0 {
		return nil
	}
	query := `
		INSERT INTO screening_results (id, party_id, list, status, score, tier, entity_id, entity_name,
			explanation, screened_at, expires_at, resolved_by, resolution_note, resolved_at)
		SELECT r.id, $1, r.list, r.status, r.score, COALESCE(r.tier, ''), COALESCE(r.entity_id, ''),
			COALESCE(r.entity_name, ''), COALESCE(r.explanation, '[]'::jsonb), r.screened_at, r.expires_at,
			r.resolved_by, r.resolution_note, r.resolved_at
		FROM jsonb_to_recordset($2::jsonb) AS r(
			id uuid, list text, status text, score double precision, tier text, entity_id text,
			entity_name text, explanation jsonb, screened_at timestamptz, expires_at timestamptz,
			resolved_by text, resolution_note text, resolved_at timestamptz)`

	if _, err := s.q.Exec(ctx, query, partyID, results); err != nil {
		return mapWriteError(err, "screening results of party", partyID)
	}
	return nil
}

func (s *Store) UpdateScreening(ctx context.Context, partyID string, result domain.ScreeningResult) error {
	return s.atomically(ctx, func(tx *Store) error {
		tag, err := tx.q.Exec(ctx, `
			UPDATE parties SET updated_at = NOW(), version = version + 1 WHERE id = $1`, partyID)
		if err != nil {
			return fmt.Errorf("failed to update party %s: %w", partyID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NewNotFoundError("party", partyID)
		}

		tag, err = tx.q.Exec(ctx, `
			UPDATE screening_results SET status = $1, score = $2, tier = $3, entity_id = $4, entity_name = $5,
				explanation = $6, screened_at = $7, expires_at = $8, resolved_by = $9, resolution_note = $10,
				resolved_at = $11
			WHERE id = $12 AND party_id = $13`,
			result.Status,
			result.Score,
			result.Tier,
			result.EntityID,
			result.EntityName,
			nonNil(result.Explanation),
			result.ScreenedAt,
			result.ExpiresAt,
			result.ResolvedBy,
			result.ResolutionNote,
			result.ResolvedAt,
			result.ID,
			partyID,
		)
		if err != nil {
			return fmt.Errorf("failed to update screening result %s: %w", result.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NewNotFoundError("screening result", result.ID.String())
		}
		return nil
	})
}

// FindPartiesDueForScreening includes parties that were never screened.
func (s *Store) FindPartiesDueForScreening(ctx context.Context, dueBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM parties
		WHERE next_screening_due IS NULL OR next_screening_due < $1
		ORDER BY id
		LIMIT $2`

	rows, err := s.q.Query(ctx, query, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query parties due for screening: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan party ids: %w", err)
	}
	return ids, nil
}

// Watchlist

var watchlistColumns = []string{"id", "name", "aliases", "kind", "list", "program", "country", "birth_date"}

// ReplaceWatchlist swaps the whole corpus, bulk loading it with COPY.
func (s *Store) ReplaceWatchlist(ctx context.Context, entities []screening.Entity) error {
	return s.atomically(ctx, func(tx *Store) error {
		if _, err := tx.q.Exec(ctx, `DELETE FROM watchlist_entities`); err != nil {
			return fmt.Errorf("failed to clear watchlist: %w", err)
		}
		n, err := tx.q.CopyFrom(ctx, pgx.Identifier{"watchlist_entities"}, watchlistColumns,
			pgx.CopyFromSlice(len(entities), func(i int) ([]any, error) {
				e := entities[i]
				return []any{e.ID, e.Name, nonNil(e.Aliases), string(e.Kind), string(e.List), e.Program, e.Country, e.BirthDate}, nil
			}))
		if err != nil {
			return mapWriteError(err, "watchlist", "corpus")
		}
		if int(n) != len(entities) {
			return fmt.Errorf("watchlist copy wrote %d of %d entities", n, len(entities))
		}
		return nil
	})
}

func (s *Store) ListWatchlist(ctx context.Context) ([]screening.Entity, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, name, aliases, kind, list, program, country, birth_date
		FROM watchlist_entities
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (screening.Entity, error) {
		var e screening.Entity
		err := row.Scan(&e.ID, &e.Name, &e.Aliases, &e.Kind, &e.List, &e.Program, &e.Country, &e.BirthDate)
		if len(e.Aliases) == 0 {
			e.Aliases = nil
		}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan watchlist: %w", err)
	}
	return entities, nil
}

// nonNil never binds a nil slice, which would encode as JSON null.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func dueOrNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
