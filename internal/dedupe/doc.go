// Package dedupe remembers recently seen keys for a bounded time so that
// at-least-once deliveries can be collapsed to one.
package dedupe
