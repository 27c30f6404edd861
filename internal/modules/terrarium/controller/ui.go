package controller

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/service"
	"terrarium-server/internal/modules/terrarium/types"
	"terrarium-server/internal/modules/terrarium/views"
	"terrarium-server/internal/utils"
)

func (c *terrariumControllerImpl) handleIndexPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	items, err := c.service.Aggregator().ByKind(r.Context())
	if err != nil {
		slog.Error("failed to build summary", "error", err)
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := views.RenderIndex(&buf, views.IndexPage{Items: items}); err != nil {
		slog.Error("failed to render index", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}

func (c *terrariumControllerImpl) handleSummaryFragment(w http.ResponseWriter, r *http.Request) {
	items, err := c.service.Aggregator().ByKind(r.Context())
	if err != nil {
		slog.Error("failed to build summary", "error", err)
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := views.RenderSummaryTable(&buf, items); err != nil {
		slog.Error("failed to render summary fragment", "error", err)
		http.Error(w, "failed to render fragment", http.StatusInternalServerError)
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}

func (c *terrariumControllerImpl) handleTerrariumPage(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	hours, err := parseHours(r.URL.Query().Get("hours"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	page := views.TerrariumPage{Slug: slug, Hours: hours}
	snapshot, err := c.service.Aggregator().ByRole(r.Context(), slug)
	if err != nil {
		slog.Error("failed to build role snapshot", "terrarium", slug, "error", err)
		http.Error(w, "failed to load terrarium", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if snapshot == nil {
		status = http.StatusNotFound
	} else {
		page.Snapshot = snapshot
		site, err := c.service.Repository().GetSiteBySlug(r.Context(), slug)
		if err != nil {
			slog.Error("failed to load terrarium", "terrarium", slug, "error", err)
			http.Error(w, "failed to load terrarium", http.StatusInternalServerError)
			return
		}
		page.Name = site.Name
		page.Readings, err = c.service.Repository().GetReadingsSince(r.Context(), slug, c.since(hours))
		if err != nil {
			slog.Error("failed to list readings", "terrarium", slug, "error", err)
			http.Error(w, "failed to load readings", http.StatusInternalServerError)
			return
		}
	}

	var buf bytes.Buffer
	if err := views.RenderTerrarium(&buf, page); err != nil {
		slog.Error("failed to render terrarium page", "terrarium", slug, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	utils.WriteHTML(w, status, buf.Bytes())
}

func (c *terrariumControllerImpl) adminPage(r *http.Request, slug string) (views.AdminMapPage, error) {
	roleMap, err := c.service.RoleMap(r.Context(), slug)
	if err != nil {
		return views.AdminMapPage{}, err
	}
	return views.AdminMapPage{
		Slug:     roleMap.Site.Slug,
		Bindings: roleMap.Bindings,
		Seen:     roleMap.Seen,
	}, nil
}

func (c *terrariumControllerImpl) handleAdminMapPage(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	page, err := c.adminPage(r, slug)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "unknown terrarium", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to load role map", "terrarium", slug, "error", err)
		http.Error(w, "failed to load role map", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := views.RenderAdminMap(&buf, page); err != nil {
		slog.Error("failed to render admin page", "terrarium", slug, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}

// handleAdminMapSubmit binds one role from the admin form and answers with
// the refreshed role table fragment.
func (c *terrariumControllerImpl) handleAdminMapSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	slug := r.PathValue("slug")
	role := types.Role(r.PostFormValue("role"))
	_, err := c.service.SetRole(r.Context(), slug, role, r.PostFormValue("entity_id"))
	switch {
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "unknown terrarium", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("failed to set role binding", "terrarium", slug, "error", err)
		http.Error(w, "failed to save role", http.StatusInternalServerError)
		return
	}

	page, err := c.adminPage(r, slug)
	if err != nil {
		slog.Error("failed to reload role map", "terrarium", slug, "error", err)
		http.Error(w, "failed to load role map", http.StatusInternalServerError)
		return
	}
	page.Saved = role

	var buf bytes.Buffer
	if err := views.RenderRoleTable(&buf, page); err != nil {
		slog.Error("failed to render role table", "terrarium", slug, "error", err)
		http.Error(w, "failed to render fragment", http.StatusInternalServerError)
		return
	}
	utils.WriteHTML(w, http.StatusOK, buf.Bytes())
}
