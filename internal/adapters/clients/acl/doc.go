// Package acl provides Anti-Corruption Layer patterns for translating between
// the remote collection's DTOs and domain types.
//
// # What is an Anti-Corruption Layer?
//
// The Anti-Corruption Layer (ACL) is a pattern from Domain-Driven Design that
// protects your domain model from external service representations. It acts as
// a translation boundary, ensuring that:
//
//   - External DTOs never leak into your domain
//   - External failures map to domain errors
//   - External data is validated before creating domain objects
//
// # Package Components
//
//   - [BaseAdapter]: Embeddable struct with GET/POST helpers and error mapping
//   - [ErrorMessage]: Reason extraction from remote error bodies
//   - [MapHTTPError]: Failed call to *domain.NetworkError mapping
//   - [DecodeResponse]: Generic JSON decoder returning *domain.ParseError
//   - [TranslateSlice]: Batch translation that may drop unusable items
//   - [PostsClient]: The remote collection adapter used by the sync engine
//
// # Error Handling Strategy
//
// The sync engine treats every remote failure as transient. The mapping is:
//   - Transport errors, timeouts, 4xx and 5xx → [domain.ErrNetwork]
//   - Undecodable bodies and posts without ids → [domain.ErrParse]
//
// Client-level errors ([clients.ErrCircuitOpen], [clients.ErrMaxRetriesExceeded])
// are also translated to [domain.ErrNetwork] with the original error wrapped.
package acl
