// Package store provides persistent storage for consults using SQLite.
//
// # Data Models
//
//   - Session: A consult owned by one principal. Finished is written only by
//     the backend (through the gateway webhook) and is never derived here.
//   - Message: One turn in a session. Role is "user" or "assistant"; the
//     legacy "writer" role is read as assistant and any other role is hidden
//     by NormalizeRole.
//   - Feedback: At most one row per session, enforced by a UNIQUE index.
//     CreateFeedback returns ErrDuplicateFeedback for a second insert.
//
// # SQLite Configuration
//
// Two drivers are supported. NewSQLiteStore uses the pure-Go modernc.org/sqlite
// driver; NewSQLiteStoreWithDriver(DriverCGO, path) uses mattn/go-sqlite3.
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so ORDER BY created_at is
// chronological. Messages with equal timestamps keep insertion order.
//
// # Testing
//
// Use NewMockStore() for unit tests. Setting MockStore.Err makes every write
// fail, which is how callers test persistence failure paths.
package store
