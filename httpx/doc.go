// Package httpx provides the net/http runtime for reqguard.
//
// Runtime performs one HTTP exchange per call and returns every response,
// whatever its status, so that the reqguard client can classify it. Response
// bodies are read fully and bounded in size.
package httpx
