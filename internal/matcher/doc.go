// Package matcher resolves operator-supplied search strings against the
// whitelisted catalogs. Matching is deterministic: exact names win outright,
// fuzzy scores combine token coverage and substring containment, and
// near-ties are surfaced as ambiguous instead of silently picking one.
package matcher
