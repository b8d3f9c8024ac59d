// Package redmap is a data-mapping engine for Redis.
//
// Redmap translates declarative object queries and buffered object
// mutations into pipelined Redis commands and atomic server-side Lua
// scripts. All commands of one logical operation (a query compilation, a
// session commit, a structure flush) are queued client-side and sent as a
// single round trip; the store executes each script atomically, so no
// client-side locking is needed for correctness.
//
// # Models
//
// A model is registered once with a Registry and described by a Meta:
// field descriptors (with per-field codecs chosen at registration time),
// relations, optional ordering. The registry is injected into the Backend
// constructor; there is no ambient global state.
//
//	reg := redmap.NewRegistry()
//	reg.Register(&redmap.Meta{
//	    Name: "user",
//	    Fields: []*redmap.Field{
//	        {Name: "name", Index: true},
//	        {Name: "age"},
//	    },
//	})
//	backend := redmap.New(client, reg, redmap.WithNamespace("app"))
//
// # Queries
//
// Queries form a tree of set algebra over index lookups. Compilation
// lowers the tree to key-level operations: permanent index keys are
// reused where possible, everything else lands in temporary keys that
// receive an expiry in the same pipeline that created them.
//
//	q := backend.NewQuery("user").Filter("name", "alice", "bob")
//	objs, err := q.Load(ctx)
//
// # Sessions
//
// A Session buffers dirty instances and deletes, and commits them as one
// atomic script invocation per model with per-instance success/failure
// results. Deletes cascade depth-first across required relations.
//
// Structure-backed fields (strings, sets, lists, hashes, sorted sets,
// timeseries, numeric arrays) buffer writes client-side and are flushed on the same
// pipeline; see the Structure interface and the columnts package.
package redmap
