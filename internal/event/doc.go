// Package event defines the typed event model shared by pipeline producers
// and observers: the closed phase enumeration, task type and status
// enumerations, the progress and task event contracts, and the tagged
// envelope delivered to live subscribers.
package event
