// Package throttle limits login attempts per username and per client address
// with token buckets that refill over time instead of locking accounts.
package throttle
