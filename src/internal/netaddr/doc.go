// Package netaddr parses and formats the address, range and port values that
// flow through the firewall backends.
//
// Addresses are netip.Addr values compared by numeric value. Ranges are
// inclusive intervals backed by netipx.IPRange and have a canonical text form:
// a bare address for single hosts, CIDR notation for exact prefixes and
// "from-to" otherwise. Port lists are normalized (sorted, merged) before being
// rendered as allow-only or block-except clauses.
package netaddr
