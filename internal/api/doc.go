// Package api exposes the HTTP surface: session management, progress and
// task event ingestion for pipeline producers, and the health reporting
// queries. It is a thin adapter over the core contracts; framing and
// routing live here, semantics do not.
package api
