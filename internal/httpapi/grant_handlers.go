package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"jitadmin.org/internal/audit"
	"jitadmin.org/internal/grant"
)

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	var req grant.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	g, err := a.gateway.Submit(r.Context(), req)
	if err != nil {
		writeGrantError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/grants/"+g.ID)
	_ = audit.LogEvent(r.Context(), "grant.submitted", map[string]any{
		"grant_id":     g.ID,
		"tenant":       g.Tenant,
		"subject":      g.UserPrincipalName(),
		"roles":        g.Roles,
		"window_start": g.Window.Start,
		"window_end":   g.Window.End,
	})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := strings.TrimSpace(q.Get("tenant"))
	if tenant == "" {
		writeError(w, r, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	f := grant.Filter{SubjectKey: strings.TrimSpace(q.Get("subject"))}
	if raw := q.Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := grant.State(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, r, http.StatusBadRequest, "unknown state "+string(st))
				return
			}
			f.States = append(f.States, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	grants, err := a.store.ListByTenant(r.Context(), tenant, f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "list grants failed")
		return
	}
	if grants == nil {
		grants = []*grant.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grants": grants,
		"count":  len(grants),
	})
}

// handleGrant serves /v1/grants/{id} and the /v1/grants/{id}/{action}
// operator verbs.
func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrant(w, r, parts[0])
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.grantAction(w, r, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (a *API) getGrant(w http.ResponseWriter, r *http.Request, id string) {
	g, err := a.store.Get(r.Context(), id)
	if err != nil {
		writeGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) grantAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var (
		g   *grant.Grant
		err error
	)
	switch action {
	case "cancel":
		g, err = a.gateway.Cancel(r.Context(), id)
	case "expire":
		g, err = a.gateway.ForceExpire(r.Context(), id)
	case "retry":
		g, err = a.gateway.Retry(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeGrantError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "grant."+action, map[string]any{
		"grant_id": g.ID,
		"tenant":   g.Tenant,
		"state":    g.State,
	})
	writeJSON(w, http.StatusOK, g)
}

// writeGrantError maps domain errors onto HTTP statuses.
func writeGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case grant.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grant.ErrDuplicateWindow):
		writeError(w, r, http.StatusConflict, "subject already has a grant overlapping this window")
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, grant.ErrConflict), errors.Is(err, grant.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "grant state does not allow this action")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
