package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/cfg"
	"github.com/maxpert/hive/hive"
	"github.com/rs/zerolog/log"
)

// Service is the hive as the admin API drives it. *hive.Hive implements it.
type Service interface {
	ExistingCells() []*cell.Record
	PendingCells() []*cell.Record
	CellInfo() *cell.Record
	Version() cell.Version
	IsMaster() bool

	AddCellStart(ctx context.Context, adminEndpoint, dataEndpoint string) (cell.ID, error)
	ValidateSchema(ctx context.Context, id cell.ID) error
	ValidateProperties(ctx context.Context, id cell.ID) error
	CommitAddCell(ctx context.Context, id cell.ID) error
	CancelAddCell(ctx context.Context, id cell.ID) error
	RemoveCell(ctx context.Context, id cell.ID) error
	ChangeCellConfig(ctx context.Context, id cell.ID, network cell.Network) error
}

var _ Service = (*hive.Hive)(nil)

// AdminHandlers serves the hive administration endpoints
type AdminHandlers struct {
	service Service
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(service Service) *AdminHandlers {
	return &AdminHandlers{service: service}
}

// cellView is a cell record as reported over HTTP
type cellView struct {
	*cell.Record
	Status         string  `json:"status"`
	AdvertisedLoad float64 `json:"advertised_load"`
	ObservedLoad   float64 `json:"observed_load"`
}

func viewOf(rec *cell.Record) cellView {
	return cellView{
		Record:         rec,
		Status:         rec.Status.String(),
		AdvertisedLoad: rec.AdvertisedLoad(),
		ObservedLoad:   rec.ObservedLoad(),
	}
}

func viewsOf(recs []*cell.Record) []cellView {
	out := make([]cellView, len(recs))
	for i, rec := range recs {
		out[i] = viewOf(rec)
	}
	return out
}

type versionView struct {
	Major    uint64 `json:"major"`
	Minor    uint64 `json:"minor"`
	Version  string `json:"version"`
	IsMaster bool   `json:"is_master"`
}

type addCellRequest struct {
	AdminEndpoint string `json:"admin_endpoint"`
	DataEndpoint  string `json:"data_endpoint"`
}

type refreshRequest struct {
	Multiplier int `json:"multiplier"`
}

func (h *AdminHandlers) handleListCells(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, viewsOf(h.service.ExistingCells()))
}

func (h *AdminHandlers) handlePendingCells(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, viewsOf(h.service.PendingCells()))
}

func (h *AdminHandlers) handleLocalCell(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, viewOf(h.service.CellInfo()))
}

func (h *AdminHandlers) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := h.service.Version()
	writeJSONResponse(w, http.StatusOK, versionView{
		Major:    v.Major,
		Minor:    v.Minor,
		Version:  v.String(),
		IsMaster: h.service.IsMaster(),
	})
}

func (h *AdminHandlers) handleAddCellStart(w http.ResponseWriter, r *http.Request) {
	var req addCellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AdminEndpoint == "" || req.DataEndpoint == "" {
		writeErrorResponse(w, http.StatusBadRequest, "admin_endpoint and data_endpoint are required")
		return
	}

	id, err := h.service.AddCellStart(r.Context(), req.AdminEndpoint, req.DataEndpoint)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"id": id, "phase": "start"})
}

func (h *AdminHandlers) handleValidateSchema(w http.ResponseWriter, r *http.Request, id cell.ID) {
	if err := h.service.ValidateSchema(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "phase": "schema"})
}

func (h *AdminHandlers) handleValidateProperties(w http.ResponseWriter, r *http.Request, id cell.ID) {
	if err := h.service.ValidateProperties(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "phase": "properties"})
}

func (h *AdminHandlers) handleCommit(w http.ResponseWriter, r *http.Request, id cell.ID) {
	if err := h.service.CommitAddCell(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "phase": "commit", "version": h.service.Version().String()})
}

func (h *AdminHandlers) handleCancel(w http.ResponseWriter, r *http.Request, id cell.ID) {
	if err := h.service.CancelAddCell(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) handleRemoveCell(w http.ResponseWriter, r *http.Request, id cell.ID) {
	if err := h.service.RemoveCell(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "version": h.service.Version().String()})
}

func (h *AdminHandlers) handleChangeNetwork(w http.ResponseWriter, r *http.Request, id cell.ID) {
	var network cell.Network
	if err := json.NewDecoder(r.Body).Decode(&network); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.service.ChangeCellConfig(r.Context(), id, network); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"id": id, "network": network})
}

func (h *AdminHandlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Multiplier < 1 {
		writeErrorResponse(w, http.StatusBadRequest, "multiplier must be >= 1")
		return
	}
	cfg.SetRefreshMultiplier(req.Multiplier)
	log.Info().Int("refresh_multiplier", req.Multiplier).Msg("Refresh multiplier changed via admin API")
	writeJSONResponse(w, http.StatusOK, refreshRequest{Multiplier: cfg.RefreshMultiplier()})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeServiceError maps hive errors to HTTP status codes. A partial failure
// committed locally, so it is reported as 207 with the cells left behind.
func writeServiceError(w http.ResponseWriter, err error) {
	var partial *hive.PartialHiveUpdateError
	if errors.As(err, &partial) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		// []cell.ID would encode as base64
		failed := make([]int, len(partial.Failed))
		for i, id := range partial.Failed {
			failed[i] = int(id)
		}
		body := map[string]interface{}{
			"error":        err.Error(),
			"failed_cells": failed,
		}
		if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
			log.Error().Err(encErr).Msg("Failed to encode partial failure response")
		}
		return
	}

	writeErrorResponse(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var (
		dup      *hive.DuplicateCellError
		notFound *hive.NotFoundError
		master   *hive.CannotRemoveMasterError
		phase    *hive.JoinPhaseError
		unreach  *hive.UnreachableCellError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &master), errors.As(err, &phase):
		return http.StatusConflict
	case errors.As(err, &unreach):
		return http.StatusBadGateway
	case hive.IsValidation(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
