// Package crawler defines the types and collaborator interfaces shared by the
// year-targeted listing crawler: page entries, fetch requests and results,
// session parameters and records, and the storage, queue and publishing
// contracts the service wires together.
package crawler
