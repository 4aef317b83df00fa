// Package trend derives directional health signals from each service's
// rolling sample window: improving, stable, or degrading, with a confidence
// that scales with how much data the window holds.
package trend
