// Package audio holds the captured audio of a recording session.
// It implements the ordered, append-only chunk accumulator, the
// order-preserving concatenation used to build the upload payload and
// the streaming WAV header that frames raw PCM captures.
package audio
