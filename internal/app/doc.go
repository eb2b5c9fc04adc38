// Package app composes the engagement services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (account, ledger, post, reaction, notification)
//	├── storage/            # Store interfaces with memory and postgres implementations
//	├── services/           # accounts, ledger, posts, feed, reactions, notifications
//	├── httpapi/            # HTTP API handlers and routing
//	├── runtime/            # Process wiring from configuration
//	├── system/             # Lifecycle manager for background services
//	└── metrics/            # Prometheus metrics
//
// # Wiring
//
// Ledger credits fan out to the notification dispatcher. Reaction events flow
// from the store through a change stream (Supabase Realtime when configured,
// an in-process stream otherwise) into the reaction aggregator, which pays
// like rewards and emits like notifications. Post creation invalidates the
// feed cache; comments bump the aggregator's comment counts.
//
// Business rules live in services; this package only connects them.
package app
