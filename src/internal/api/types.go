package api

import "github.com/maksimkurb/fwsync/src/internal/firewall"

// DataResponse wraps successful responses with a "data" field.
type DataResponse struct {
	Data interface{} `json:"data"`
}

// BlockRequest replaces a block group's membership, or changes it
// incrementally when Deltas is set.
type BlockRequest struct {
	Group     string           `json:"group"`
	Addresses []string         `json:"addresses"`
	Deltas    []firewall.Delta `json:"deltas,omitempty"`
}

// BlockRangesRequest replaces a range block group. AllowedPorts uses the
// "22,80-90" notation; the listed ports stay open.
type BlockRangesRequest struct {
	Group        string   `json:"group"`
	Ranges       []string `json:"ranges"`
	AllowedPorts string   `json:"allowed_ports,omitempty"`
}

// AddressesRequest carries a plain address list for unblock and allow.
type AddressesRequest struct {
	Addresses []string `json:"addresses"`
}

// EntriesResponse lists committed entries.
type EntriesResponse struct {
	Entries []string `json:"entries"`
	Count   int      `json:"count"`
}

// CheckResponse reports the state of one address.
type CheckResponse struct {
	Address string `json:"address"`
	Port    *int   `json:"port,omitempty"`
	Blocked bool   `json:"blocked"`
	Allowed bool   `json:"allowed"`
}

// OperationResponse acknowledges a successful change.
type OperationResponse struct {
	Operation string `json:"operation"`
	OK        bool   `json:"ok"`
}
