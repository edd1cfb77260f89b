// Command morud runs the MORU routine notification engine.
//
// morud preloads each routine's daily alarm schedule into a durable delay
// queue, dispatches due push notifications, retries transient failures, and
// sweeps the whole schedule forward at midnight.
//
// Install:
//
//	go install github.com/KUIT-MORU/KUIT-MORU-Server-sub000/cmd/morud@latest
//
// Usage:
//
//	morud run --routines ./routines.yaml --db ./.data/moru.db
package main
