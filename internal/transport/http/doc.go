// Package http contains the chi HTTP handlers for the analysis,
// history, chat and health APIs. Handlers translate domain errors into
// RFC 7807 problem responses and leave all business logic to the
// services layer.
package http
