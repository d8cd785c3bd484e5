/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides in-memory cache with LRU eviction policy, per-entry expiration, and Prometheus metrics.
// It backs the in-process store used when Redis is not configured or not reachable.
package lrucache
