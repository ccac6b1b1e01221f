// Package capture acquires live audio input and delivers it as opaque chunks.
// A Device hands out one Handle per recording period; the handle emits chunks
// in arrival order to a single registered callback until it is released.
// Implementations wrap an external recorder process or a PortAudio input stream.
package capture
