// Package live holds the per-session audio primitives used by streaming
// device sessions: a bounded chunk buffer and an energy-based voice
// activity detector.
//
// Audio is 16-bit signed little-endian PCM. Chunks are opaque to the
// buffer; only the detector interprets samples.
package live
