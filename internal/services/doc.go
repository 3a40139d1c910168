// Package services implements the application services that sit between
// the HTTP/WebSocket transports and the domain packages. The analysis
// service owns task lifecycle and pipeline execution, the chat service
// answers questions from archived reports, and the health service
// reports process status.
package services
