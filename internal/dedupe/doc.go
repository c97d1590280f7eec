// Package dedupe tracks client idempotency keys so a message resent within
// the TTL window is recognised and answered with the id of the original.
package dedupe
