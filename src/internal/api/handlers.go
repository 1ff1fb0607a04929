package api

import (
	"encoding/json"
	"iter"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/log"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

// maxBodyBytes bounds request bodies; block lists may hold many addresses.
const maxBodyBytes = 32 << 20

// Handler serves the firewall endpoints.
type Handler struct {
	fw firewall.Firewall
}

func NewHandler(fw firewall.Firewall) *Handler {
	return &Handler{fw: fw}
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(DataResponse{Data: data}); err != nil {
		log.Debugf("[api] Failed to write response: %v", err)
	}
}

// writeJSONData writes a successful JSON response with data.
func writeJSONData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteInvalidRequest(w, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func validGroup(w http.ResponseWriter, group string) bool {
	if err := firewall.ValidateGroup(group); err != nil {
		WriteInvalidRequest(w, err.Error())
		return false
	}
	return true
}

func writeEntries(w http.ResponseWriter, seq iter.Seq[string]) {
	entries := slices.Collect(seq)
	if entries == nil {
		entries = []string{}
	}
	writeJSONData(w, EntriesResponse{Entries: entries, Count: len(entries)})
}

func writeOutcome(w http.ResponseWriter, operation string, ok bool) {
	if !ok {
		WriteOperationFailed(w, operation)
		return
	}
	writeJSONData(w, OperationResponse{Operation: operation, OK: true})
}

// GetBanned lists blocked single addresses of every group and family.
func (h *Handler) GetBanned(w http.ResponseWriter, r *http.Request) {
	writeEntries(w, h.fw.EnumerateBanned(r.Context()))
}

func (h *Handler) GetAllowed(w http.ResponseWriter, r *http.Request) {
	writeEntries(w, h.fw.EnumerateAllowed(r.Context()))
}

// GetRanges lists range block entries, optionally of one group.
func (h *Handler) GetRanges(w http.ResponseWriter, r *http.Request) {
	writeEntries(w, h.fw.EnumerateRanges(r.Context(), r.URL.Query().Get("group")))
}

// CheckAddress reports whether an address is blocked (on an optional port) and
// whether it is allowed.
func (h *Handler) CheckAddress(w http.ResponseWriter, r *http.Request) {
	text := chi.URLParam(r, "addr")
	addr, err := netaddr.ParseAddr(text)
	if err != nil {
		WriteInvalidRequest(w, "Invalid address: "+text)
		return
	}

	port := firewall.NoPort
	var portOut *int
	if p := r.URL.Query().Get("port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			WriteInvalidRequest(w, "Invalid port: "+p)
			return
		}
		port = n
		portOut = &n
	}

	ctx := r.Context()
	writeJSONData(w, CheckResponse{
		Address: addr.String(),
		Port:    portOut,
		Blocked: h.fw.IsBlocked(ctx, addr.String(), port),
		Allowed: h.fw.IsAllowed(ctx, addr.String()),
	})
}

// Block replaces a block group, or applies deltas to it.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if !decodeBody(w, r, &req) || !validGroup(w, req.Group) {
		return
	}
	if len(req.Deltas) > 0 {
		if len(req.Addresses) > 0 {
			WriteInvalidRequest(w, "addresses and deltas are mutually exclusive")
			return
		}
		writeOutcome(w, "block_delta", h.fw.BlockAddressesDelta(r.Context(), req.Group, req.Deltas))
		return
	}
	writeOutcome(w, "block", h.fw.BlockAddresses(r.Context(), req.Group, req.Addresses))
}

func (h *Handler) BlockRanges(w http.ResponseWriter, r *http.Request) {
	var req BlockRangesRequest
	if !decodeBody(w, r, &req) || !validGroup(w, req.Group) {
		return
	}
	ports, err := netaddr.ParsePortRanges(req.AllowedPorts)
	if err != nil {
		WriteInvalidRequest(w, "Invalid allowed_ports: "+err.Error())
		return
	}
	writeOutcome(w, "block_ranges", h.fw.BlockRanges(r.Context(), req.Group, req.Ranges, ports))
}

func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	var req AddressesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, "unblock", h.fw.UnblockAddresses(r.Context(), req.Addresses))
}

// Allow replaces the allow list.
func (h *Handler) Allow(w http.ResponseWriter, r *http.Request) {
	var req AddressesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, "allow", h.fw.AllowAddresses(r.Context(), req.Addresses))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()
	if !h.fw.RuleExists(ctx, name) {
		WriteNotFound(w, "Rule "+name)
		return
	}
	writeOutcome(w, "delete_rule", h.fw.DeleteRule(ctx, name))
}

func (h *Handler) Truncate(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, "truncate", h.fw.Truncate(r.Context()))
}
