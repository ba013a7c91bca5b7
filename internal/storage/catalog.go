package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jameslatto-droid/plk-kb/internal/model"
)

// FetchDocumentsWithRules implements the Metadata Gateway's
// fetch_documents_with_rules operation. When documentIDs is nil the full
// catalog is returned; otherwise the result is restricted to those ids.
// Uses left-join semantics: a document with zero access rules still appears,
// with its Rules slice empty rather than the document being omitted.
func (db *DB) FetchDocumentsWithRules(ctx context.Context, documentIDs []string) ([]model.Document, error) {
	const query = `
		SELECT d.document_id, d.authority_level,
		       r.rule_id, r.project_code, r.discipline, r.classification,
		       r.commercial_sensitivity, r.allowed_roles
		FROM documents d
		LEFT JOIN access_rules r ON r.document_id = d.document_id
		WHERE ($1::text[] IS NULL OR d.document_id = ANY($1))
		ORDER BY d.document_id, r.rule_id ASC`

	rows, err := db.pool.Query(ctx, query, documentIDsParam(documentIDs))
	if err != nil {
		return nil, fmt.Errorf("storage: fetch documents with rules: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*model.Document)
	var order []string

	for rows.Next() {
		var (
			documentID, authorityLevel string
			ruleID                     *int
			projectCode                *string
			discipline                 *string
			classification             *string
			commercialSensitivity      *string
			allowedRoles               []string
		)
		if err := rows.Scan(&documentID, &authorityLevel, &ruleID, &projectCode,
			&discipline, &classification, &commercialSensitivity, &allowedRoles); err != nil {
			return nil, fmt.Errorf("storage: scan document row: %w", err)
		}

		doc, ok := byID[documentID]
		if !ok {
			doc = &model.Document{
				DocumentID:     documentID,
				AuthorityLevel: model.AuthorityLevel(strings.ToUpper(authorityLevel)),
			}
			byID[documentID] = doc
			order = append(order, documentID)
		}
		if ruleID != nil {
			doc.Rules = append(doc.Rules, model.AccessRule{
				RuleID:                *ruleID,
				ProjectCode:           projectCode,
				Discipline:            discipline,
				Classification:        classification,
				CommercialSensitivity: commercialSensitivity,
				AllowedRoles:          allowedRoles,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate document rows: %w", err)
	}

	out := make([]model.Document, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// documentIDsParam converts a nil slice to a pgx-compatible NULL so the
// query's ANY($1) clause is bypassed for the full-catalog case. An empty,
// non-nil slice is passed through and matches no documents.
func documentIDsParam(documentIDs []string) any {
	if documentIDs == nil {
		return nil
	}
	return documentIDs
}

// ChunkLineage is one row of get_chunk_with_document: a chunk's content and
// its position in the document/artefact lineage.
type ChunkLineage struct {
	ChunkID    string
	Content    string
	ArtefactID string
	DocumentID string
}

// GetChunkWithDocument implements the Metadata Gateway's
// get_chunk_with_document operation, used during hydration when a search
// backend result is missing content, document_id, or artefact_id.
func (db *DB) GetChunkWithDocument(ctx context.Context, chunkID string) (ChunkLineage, error) {
	const query = `
		SELECT c.chunk_id, c.content, a.artefact_id, v.document_id
		FROM chunks c
		JOIN artefacts a ON a.artefact_id = c.artefact_id
		JOIN versions v ON v.version_id = a.version_id
		WHERE c.chunk_id = $1`

	var lineage ChunkLineage
	err := db.pool.QueryRow(ctx, query, chunkID).Scan(
		&lineage.ChunkID, &lineage.Content, &lineage.ArtefactID, &lineage.DocumentID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ChunkLineage{}, ErrNotFound
		}
		return ChunkLineage{}, fmt.Errorf("storage: get chunk with document: %w", err)
	}
	return lineage, nil
}
