// Package api provides the admin HTTP API of fwsync.
//
// The API exposes the firewall contract over HTTP so operators and external
// ban-decision engines can inspect and change the managed rules:
//   - listing banned, allowed and range-blocked entries
//   - checking whether an address is blocked on a port
//   - blocking, unblocking and allowing addresses
//   - deleting a rule by name and truncating all managed state
//   - Prometheus metrics at /metrics
//
// # Response Format
//
// All successful responses wrap data in a "data" field:
//
//	{
//	  "data": { /* response payload */ }
//	}
//
// Error responses use the following format:
//
//	{
//	  "error": {
//	    "code": "invalid_request",
//	    "message": "Human-readable error message"
//	  }
//	}
//
// Access is restricted to loopback and private networks.
package api
