// Package pipeline runs one delivery cycle end to end: prune and load the
// ledger, fetch feeds, drop links already sent, filter, extract and group,
// summarize, notify, and finally record the delivered links. Cycles never
// overlap.
package pipeline
