// Package internal contains the core implementation packages for sitepipe.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - config: Configuration loading, validation and the resolved BuildConfig
//   - errors: Typed pipeline errors carrying a kind, a code and the failing task
//   - logging: Structured slog logging shared by every component
//   - source: Glob-selected source sets rooted at a source subtree
//   - artifact: The output directory and the records of what each task wrote
//   - transform: The html, styles and scripts transforms and their registry
//   - markup: Asset reference scanning and rewriting in HTML documents
//   - inliner: Production inlining of local scripts and stylesheets
//   - hasher: Content fingerprints appended to asset references
//   - graph: Task dependency graph and its parallel executor
//   - watcher: File system monitoring with debouncing and task routing
//   - reload: Fan-out hub for reload notifications
//   - server: Dev server with static files, the reload websocket and health
//   - metrics: Prometheus recorder for builds, tasks, rebuilds and reloads
//   - pipeline: The orchestrator that ties builds, watch and serve together
//   - version: Build and VCS information
//
// # Inter-Package Communication
//
//   - Pipeline builds a graph of tasks and runs it with the executor
//   - Watcher routes debounced change events to a single transform rerun
//   - Pipeline publishes to the reload hub after every watch rebuild
//   - Server forwards hub events to every connected websocket client
package internal
