// Package evaluation implements the HTTP client for the remote evaluation service.
// It concatenates a session's chunks into one payload, posts it as a single
// multipart file field, and decodes the returned score and rank. Failures are
// reported as *UploadError and are never retried.
package evaluation
