// Package storage persists the image pool, the singleton scheduled job and
// the delivery log in a single sqlite database.
//
// Each exported operation is individually atomic. Callers that need a larger
// consistency unit (the dispatch cycle) serialize at their own level; no
// partial update (e.g. sent=1 without a send_count bump) is ever observable.
package storage
