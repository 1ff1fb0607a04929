// Package ipsetfw is the set-backed firewall backend.
//
// Every logical group owns one ipset named <prefix>0 and exactly one iptables
// rule matching it. Membership changes are written to a definition file in
// ipset restore format first, the file is atomically swapped into the state
// directory and then applied with "ipset restore -exist":
//
//	create fwsync_Block_0 hash:ip family inet hashsize 1024 maxelem 2097152 -exist
//	add fwsync_Block_0 10.0.0.1 -exist
//	del fwsync_Block_0 10.0.0.2 -exist
//
// Every line is idempotent, so a definition can be re-applied after a crash.
// After each rule change the full table is saved with iptables-save and
// restored verbatim on the next start.
package ipsetfw
