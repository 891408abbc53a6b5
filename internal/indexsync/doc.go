// Package indexsync rebuilds the search index from a harvest.
//
// A run provisions a fresh index, rotates the search-only API key, adds
// every harvested batch in order, waits for the engine to finish, and
// removes directory and link records so only objects stay searchable.
// With the swap strategy the work happens in a staging index that is
// swapped with the live one at the end, so readers never see a partial
// corpus.
package indexsync
