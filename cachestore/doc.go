// Cache for small, slowly-changing records (as JSON strings) with a fixed TTL and purging.
//
// Includes an interface and implementations using redis and in-process memory.
//
// The survey engine uses it to cache published survey definitions, which are read on every answer.
package cachestore
