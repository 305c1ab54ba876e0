// Package net implements the authenticated command transport between quorum
// nodes: named commands carrying serialized payloads, delivered to handlers
// registered as public or quorum-only. A TCP implementation and an
// in-memory implementation for tests are provided.
package net
