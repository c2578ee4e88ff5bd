// Package session persists conversations as append-only, ordered message lists
// keyed by an opaque session identifier.
//
// Invariants:
// - Appends and reads on the same session are linearizable.
// - Create and Append are durable before they return on durable backends.
// - ListSessionIDs never loads message bodies.
//
// Usage:
//
//	store, _ := session.Open(ctx, session.Config{Backend: session.BackendSQLite, Path: "/tmp/convo.db"})
//	defer store.Close()
//	_ = store.Create(ctx, "b1c2...")
//	_, _ = store.Append(ctx, "b1c2...", session.Message{Role: session.RoleUser, Content: "hello"})
//	messages, _ := store.Read(ctx, "b1c2...")
//	_ = messages
package session
