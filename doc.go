// Package memengine implements a hierarchical conversational memory engine
// for LLM applications: messages are scored for salience, stored across
// four tiers with different latency and durability characteristics, and
// assembled on query into a bounded context suitable for prompting an LLM.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/kagome-ai/memengine
//
// Wire an in-memory engine (no external stores required):
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"time"
//
//		"github.com/kagome-ai/memengine/archive"
//		"github.com/kagome-ai/memengine/capability"
//		"github.com/kagome-ai/memengine/engine"
//		"github.com/kagome-ai/memengine/facts"
//		"github.com/kagome-ai/memengine/message"
//		"github.com/kagome-ai/memengine/pattern"
//		"github.com/kagome-ai/memengine/shortterm"
//	)
//
//	func main() {
//		ctx := context.Background()
//
//		orch := engine.New(
//			shortterm.New(shortterm.DefaultOptions()),
//			facts.New(),
//			archive.New(),
//			pattern.New(pattern.Options{}),
//			capability.NewMock(128),
//			engine.Options{},
//		)
//		defer orch.Close()
//
//		msg, _ := message.New("u1", "c1", message.RoleUser, "We decided to use PostgreSQL for storage.", time.Now().UTC())
//		if err := orch.Store(ctx, "u1", "c1", msg); err != nil {
//			panic(err)
//		}
//
//		memCtx, err := orch.Retrieve(ctx, "u1", "c1", "What database did we pick?")
//		if err != nil {
//			panic(err)
//		}
//		fmt.Println(memCtx.Render())
//	}
//
// # Architecture
//
// The engine is organized leaves-first, matching the tier/component split:
//
// scorer (C1)
// Pure salience scoring: Score(message.Message) float64, no I/O, no state.
//
// classifier (C2)
// Maps a query and ConversationState to a QueryPlan naming which tiers to
// consult and an estimated token budget.
//
// shortterm (C3 / T3)
// Bounded per-(user, conversation) recency window, in-process only.
//
// facts (C4 / T2)
// Per-user key/value facts with lexical and cosine-similarity search; see
// facts/redisstore for a Redis-backed implementation.
//
// archive (C5 / T1)
// Durable per-user message archive; see archive/pgstore for a
// Postgres-backed implementation.
//
// pattern (C6 / TP)
// Learned trigger -> instruction rules with concurrent reinforcement and
// background consolidation; see pattern/sqlitestore for a SQLite-backed
// implementation.
//
// engine (C7)
// The Orchestrator: the single entry point (Store, Retrieve, EraseUser)
// that fans work out across C1-C6 under cancellation and deadlines.
//
// # External Dependencies
//
// Each tier is a pluggable adapter behind a small interface (see the
// *Store/*Provider types in each tier package); capability.Provider
// abstracts the embedding/LLM backend, with capability.Mock for tests and
// capability/langchaincap, capability/openaicap for real backends.
package memengine
