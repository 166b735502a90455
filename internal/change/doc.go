// Package change defines the source change record model shared by the
// change sources, the pacing engine, and the dispatch layer.
//
// A Record is one logical data mutation captured from (or synthesized for)
// an upstream dataset: an operation kind, optional before/after element
// snapshots, provenance identifying where and when the change originated,
// and a recorded offset used for pacing. Records are immutable once
// produced; everything downstream treats them as read-only.
//
// The wire form matches the recorded script format, so a Record round-trips
// through the JSONL script files and the transport sinks unchanged.
//
// The canonical encoding in canonical.go exists for replay comparison:
// two runs over the same script must produce byte-identical canonical
// output, so the encoding is independent of map iteration order and
// Unicode representation.
package change
