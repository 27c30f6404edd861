package controller

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"terrarium-server/internal/modules/terrarium/repository"
	"terrarium-server/internal/modules/terrarium/service"
	"terrarium-server/internal/modules/terrarium/types"
	"terrarium-server/internal/utils"
)

const maxIngestBody = 64 << 10

func (c *terrariumControllerImpl) handleIngest(w http.ResponseWriter, r *http.Request) {
	var payload types.IngestPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := c.service.Ingest(r.Context(), payload)
	if errors.Is(err, service.ErrInvalidPayload) {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to ingest reading", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, out)
}

func (c *terrariumControllerImpl) handleSummary(w http.ResponseWriter, r *http.Request) {
	items, err := c.service.Aggregator().ByKind(r.Context())
	if err != nil {
		slog.Error("failed to build summary", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	utils.WriteJSON(w, http.StatusOK, items)
}

func (c *terrariumControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	slug, hours, err := parseReadingsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.service.Repository().GetReadingsSince(r.Context(), slug, c.since(hours))
	if err != nil {
		slog.Error("failed to list readings", "terrarium", slug, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	utils.WriteJSON(w, http.StatusOK, readings)
}

func (c *terrariumControllerImpl) handleListTerrariums(w http.ResponseWriter, r *http.Request) {
	sites, err := c.service.Repository().ListSites(r.Context())
	if err != nil {
		slog.Error("failed to list terrariums", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list terrariums")
		return
	}
	if sites == nil {
		sites = []types.Site{}
	}
	utils.WriteJSON(w, http.StatusOK, sites)
}

func (c *terrariumControllerImpl) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	snapshot, err := c.service.Aggregator().ByRole(r.Context(), slug)
	if err != nil {
		slog.Error("failed to build role snapshot", "terrarium", slug, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to build role snapshot")
		return
	}
	if snapshot == nil {
		utils.WriteError(w, http.StatusNotFound, "unknown terrarium")
		return
	}
	utils.WriteJSON(w, http.StatusOK, snapshot)
}

type rolesResponse struct {
	SiteSlug string                `json:"terrarium_slug"`
	Bindings map[types.Role]string `json:"bindings"`
	Seen     []types.SeenSource    `json:"seen"`
}

func (c *terrariumControllerImpl) handleGetRoles(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	roleMap, err := c.service.RoleMap(r.Context(), slug)
	if errors.Is(err, repository.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "unknown terrarium")
		return
	}
	if err != nil {
		slog.Error("failed to load role map", "terrarium", slug, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load role map")
		return
	}
	seen := roleMap.Seen
	if seen == nil {
		seen = []types.SeenSource{}
	}
	utils.WriteJSON(w, http.StatusOK, rolesResponse{
		SiteSlug: roleMap.Site.Slug,
		Bindings: roleMap.Bindings,
		Seen:     seen,
	})
}

type setRoleRequest struct {
	SourceID string `json:"entity_id"`
}

func (c *terrariumControllerImpl) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	slug := r.PathValue("slug")
	binding, err := c.service.SetRole(r.Context(), slug, types.Role(r.PathValue("role")), req.SourceID)
	switch {
	case errors.Is(err, service.ErrInvalidRole), errors.Is(err, service.ErrInvalidPayload):
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repository.ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, "unknown terrarium")
		return
	case err != nil:
		slog.Error("failed to set role binding", "terrarium", slug, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to set role binding")
		return
	}
	utils.WriteJSON(w, http.StatusOK, binding)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
