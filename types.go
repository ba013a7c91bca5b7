// Package plkkb is the public entrypoint: construct an Engine over a
// Postgres catalog, a Bleve lexical index, and an optional Qdrant vector
// index, then call HybridSearch.
package plkkb

import (
	"github.com/jameslatto-droid/plk-kb/internal/model"
	"github.com/jameslatto-droid/plk-kb/internal/storage"
)

// AuthorityContext describes the requester at query time: roles, project
// codes, and the other attributes the Authority Engine's rules match
// against. Curated re-export of internal/model.AuthorityContext so callers
// outside this module don't need to import internal packages.
type AuthorityContext = model.AuthorityContext

// Response is the stable wire contract returned by HybridSearch.
type Response = model.Response

// Result is one ranked, authorized entry in a Response.
type Result = model.Result

// ScoredChunk is a single hit returned by a search backend, before merging.
type ScoredChunk = model.ScoredChunk

// Document is the catalog view of one document: its authority level and its
// ordered list of access rules.
type Document = model.Document

// AccessRule is a conjunction of attribute constraints plus a role-set
// constraint, evaluated by the Authority Engine.
type AccessRule = model.AccessRule

// AuthorityLevel is a document's categorical trust tier.
type AuthorityLevel = model.AuthorityLevel

const (
	AuthorityAuthoritative = model.AuthorityAuthoritative
	AuthorityDraft         = model.AuthorityDraft
	AuthorityReference     = model.AuthorityReference
	AuthorityExternal      = model.AuthorityExternal
)

// AuditLogEntry is one append-only row an AuditSink implementation records.
// Curated re-export of internal/storage.AuditLogEntry — no internal package
// imports needed to implement AuditSink from outside this module.
type AuditLogEntry = storage.AuditLogEntry

// ChunkLineage is the document/artefact lineage of one chunk, returned by a
// MetadataGateway during hydration.
type ChunkLineage = storage.ChunkLineage
