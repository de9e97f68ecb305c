package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and actions using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Documents sub-query
	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery
		if q.OrgID != "" {
			docWhere += fmt.Sprintf(" AND d.org_id = $%d", argN)
			args = append(args, q.OrgID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.site_name || ' ' || d.scope_notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, d.org_id,
				d.issue_status,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	// Actions sub-query
	if q.FilterType == "" || q.FilterType == ResultAction {
		actWhere := "a.fts @@ " + tsQuery + " AND NOT a.deleted"
		if q.OrgID != "" {
			actWhere += fmt.Sprintf(" AND d.org_id = $%d", argN)
			args = append(args, q.OrgID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'action'::text AS type, a.id, a.title,
				ts_headline('english', coalesce(a.detail, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.document_id, d.org_id,
				''::text AS issue_status,
				ts_rank(a.fts, %s) AS rank
			FROM actions a
			JOIN documents d ON d.id = a.document_id
			WHERE %s`, tsQuery, tsQuery, actWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, org_id, issue_status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.OrgID, &r.IssueStatus); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []ActionRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, site_name, site_address, doc_type, org_id, issue_status
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.SiteName, &d.SiteAddress, &d.DocType, &d.OrgID, &d.IssueStatus); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	actionRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.title, a.detail, a.status, a.document_id, d.org_id
		FROM actions a
		JOIN documents d ON d.id = a.document_id
		WHERE NOT a.deleted
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load actions: %w", err)
	}
	defer actionRows.Close()

	actions := make([]ActionRecord, 0)
	for actionRows.Next() {
		var a ActionRecord
		if err := actionRows.Scan(&a.ID, &a.Title, &a.Detail, &a.Status, &a.DocumentID, &a.OrgID); err != nil {
			return nil, nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := actionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate actions: %w", err)
	}

	return documents, actions, nil
}
