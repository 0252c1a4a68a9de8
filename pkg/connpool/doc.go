/*
Package connpool caches live device sessions and enforces the engine's two
concurrency ceilings.

Per-device serialization: Acquire locks a per-device mutex that is held
until the paired Release or Dispose. Two tasks against the same device
therefore execute strictly sequentially, however large the worker pool.

Global cap: opening a new session takes a token from a fixed-size slot
channel (default 10). Acquire blocks until a token frees when the fleet-wide
cap is reached; cached sessions hold their token until disposed or evicted.

Release keeps the session warm for reuse; Dispose closes it, which is
mandatory after a transport error. A periodic sweep closes sessions idle
past the timeout so warm sessions do not pin slots indefinitely.

Every Acquire must be paired with exactly one Release or Dispose.
*/
package connpool
