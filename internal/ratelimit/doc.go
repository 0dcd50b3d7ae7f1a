// Package ratelimit throttles customer endpoints with a token bucket kept in
// Redis. Every gateway instance runs the same Lua script against the same
// key, so the budget is shared across instances. When Redis is unreachable
// requests are let through.
package ratelimit
