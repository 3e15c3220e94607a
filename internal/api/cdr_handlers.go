package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/callctl/internal/call"
	"github.com/flowpbx/callctl/internal/database"
	"github.com/flowpbx/callctl/internal/message"
)

// exportLimit caps the rows of one CSV export.
const exportLimit = 10000

// cdrFilter parses the filters shared by list and export.
// Query params: direction, reason, party, since (RFC 3339).
func cdrFilter(r *http.Request) (database.CDRListFilter, string) {
	q := r.URL.Query()
	f := database.CDRListFilter{
		Direction: q.Get("direction"),
		Party:     q.Get("party"),
	}

	switch call.Direction(f.Direction) {
	case "", call.DirectionIncoming, call.DirectionOutgoing:
	default:
		return f, `direction must be "incoming" or "outgoing"`
	}

	if v := q.Get("reason"); v != "" {
		reason, err := message.ParseReason(v)
		if err != nil {
			return f, err.Error()
		}
		f.Reason = reason.String()
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "since must be an RFC 3339 timestamp"
		}
		f.Since = since
	}
	return f, ""
}

// handleListCDRs returns stored call records, newest first, with
// pagination and optional filters.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = pg.Limit
	filter.Offset = pg.Offset

	cdrs, total, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdrs == nil {
		cdrs = []database.CDR{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  cdrs,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns the record of one cleared call.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	token := tokenParam(r)

	cdr, err := s.cdrs.GetByToken(r.Context(), token)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "token", token)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}
	writeJSON(w, http.StatusOK, cdr)
}

// handleExportCDRs writes matching records as CSV.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = exportLimit

	cdrs, _, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{ //nolint:errcheck
		"ID", "Token", "Direction", "Party A", "Party B", "Created",
		"Established", "Cleared", "Duration", "Billable Duration", "Reason",
	})

	for _, c := range cdrs {
		established := ""
		if c.Established != nil {
			established = c.Established.Format(time.RFC3339)
		}
		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(c.ID, 10),
			c.Token,
			c.Direction,
			c.PartyA,
			c.PartyB,
			c.Created.Format(time.RFC3339),
			established,
			c.Cleared.Format(time.RFC3339),
			strconv.FormatInt(c.Duration, 10),
			strconv.FormatInt(c.BillableDur, 10),
			c.Reason,
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("export cdrs: csv write error", "error", err)
	}
}
