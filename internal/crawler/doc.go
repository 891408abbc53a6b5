// Package crawler walks the remote inventory tree and turns every directory
// visit into an ordered batch of records ready for indexing.
//
// A Harvester processes each configured Root with its own Traversal. The
// traversal owns a FIFO Frontier of directory paths. Paths come off the
// frontier whether or not their fetch succeeds, so a walk always terminates.
// A failed directory is recorded as a NodeFailure and its subtree is skipped
// for the run; it never aborts the harvest.
//
// Object records have their thumbnail locator rewritten to a public URL by an
// AssetNormalizer before the batch is emitted.
package crawler
