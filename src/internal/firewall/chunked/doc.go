// Package chunked is the firewall backend for filter engines that have no set
// primitive and keep address lists inline in each rule.
//
// A logical group is spread over rules named <prefix><offset>, where offsets
// are multiples of the per-rule capacity: with a capacity of 1000 the first
// rule is <prefix>0, the 1001st address lands in <prefix>1000 and so on.
// Rules live in a PolicyStore, reached only through a Policy, which serializes
// every read-modify-write.
package chunked
