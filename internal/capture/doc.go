// Package capture persists the frame stream into rotating WAV containers.
//
// Exactly one container is open at a time. Containers are written under a
// ".part" name with a placeholder header, and only renamed to their final name
// after the header has been rewritten and the file synced, so a crash can
// never damage a container that was already closed.
package capture
