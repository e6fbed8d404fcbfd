// Package handlers contains the HTTP handlers for scoring, alert
// investigation and network queries.
package handlers
