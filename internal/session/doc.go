// Package session provides the recording session controller.
// It drives the Idle -> Recording -> Stopped state machine, owns the live
// capture handle for exactly the Recording period, accumulates the handle's
// chunks, and hands the frozen sequence to the evaluation uploader on submit.
package session
