// Package firewall keeps banned and allowed addresses in sync with the host
// packet filter.
//
// An Engine owns one address family. It forwards every mutating call to an
// optional delegate Firewall for the other family first and only touches its
// own Backend when the delegate succeeded. The two steps are not atomic: when
// the local step fails after the delegate committed, the families stay
// inconsistent until the next full rebuild.
//
// Backends:
//
//   - ipsetfw: one hash set per logical group, referenced by one iptables rule
//   - chunked: inline address lists split over capacity-bounded rules
//
// The Mirror holds the membership the engine last committed and answers
// read-only queries without touching the OS.
package firewall
