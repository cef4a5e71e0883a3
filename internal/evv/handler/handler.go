// Package handler exposes the EVV compliance core over HTTP. Every endpoint
// requires a bearer token; clock endpoints act as the token's subject, while
// override and submit additionally pass through the permission service.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	"careverify/internal/evv/record"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/httputil"
)

// TokenValidator resolves a bearer token to the acting user.
type TokenValidator interface {
	ActorFromToken(tokenString string) (ports.Actor, error)
}

// DeviceManager controls the per-device sync coordinators.
type DeviceManager interface {
	StartDevice(deviceID id.DeviceID) error
	Deprovision(ctx context.Context, deviceID id.DeviceID) error
}

// Handler wires the record service to HTTP routes.
type Handler struct {
	service *record.Service
	queue   ports.SyncQueueStore
	devices DeviceManager
	tokens  TokenValidator
	logger  *slog.Logger
}

func New(service *record.Service, queue ports.SyncQueueStore, devices DeviceManager, tokens TokenValidator, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		queue:   queue,
		devices: devices,
		tokens:  tokens,
		logger:  logger,
	}
}

// Register mounts the EVV routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/evv", func(r chi.Router) {
		r.Post("/clock-in", h.handleClockIn)
		r.Post("/clock-out", h.handleClockOut)
		r.Get("/records/{recordID}", h.handleGetRecord)
		r.Post("/records/{recordID}/check-in", h.handleCheckIn)
		r.Post("/records/{recordID}/override", h.handleOverride)
		r.Post("/records/{recordID}/submit", h.handleSubmit)
		r.Get("/queue/{deviceID}", h.handleListQueue)
		r.Post("/devices/{deviceID}/enroll", h.handleEnrollDevice)
		r.Post("/devices/{deviceID}/deprovision", h.handleDeprovisionDevice)
	})
}

// actor authenticates the request's bearer token.
func (h *Handler) actor(r *http.Request) (ports.Actor, error) {
	header := r.Header.Get("Authorization")
	tok, found := strings.CutPrefix(header, "Bearer ")
	if !found || tok == "" {
		return ports.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token")
	}
	return h.tokens.ActorFromToken(tok)
}

type locationDTO struct {
	Latitude             float64   `json:"latitude"`
	Longitude            float64   `json:"longitude"`
	AccuracyMeters       float64   `json:"accuracy_meters"`
	Timestamp            time.Time `json:"timestamp"`
	Method               string    `json:"method"`
	MockLocationDetected bool      `json:"mock_location_detected"`
}

type deviceDTO struct {
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	AppVersion   string `json:"app_version"`
	IsRooted     bool   `json:"is_rooted"`
	IsJailbroken bool   `json:"is_jailbroken"`
}

type clockInRequest struct {
	VisitID     string      `json:"visit_id"`
	CaregiverID string      `json:"caregiver_id"`
	Location    locationDTO `json:"location"`
	Device      deviceDTO   `json:"device"`
	Notes       string      `json:"notes,omitempty"`
}

type clockOutRequest struct {
	RecordID string      `json:"record_id"`
	Location locationDTO `json:"location"`
	Device   deviceDTO   `json:"device"`
	Notes    string      `json:"notes,omitempty"`
}

type checkInRequest struct {
	Location locationDTO `json:"location"`
	Device   deviceDTO   `json:"device"`
}

type overrideRequest struct {
	Reason     string `json:"reason"`
	ReasonCode string `json:"reason_code"`
}

type clockEventResponse struct {
	Record       models.EVVRecord          `json:"record"`
	Verification models.VerificationResult `json:"verification"`
}

func (dto locationDTO) toModel() models.Location {
	return models.Location{
		Latitude:             dto.Latitude,
		Longitude:            dto.Longitude,
		AccuracyMeters:       dto.AccuracyMeters,
		Timestamp:            dto.Timestamp,
		Method:               dto.Method,
		MockLocationDetected: dto.MockLocationDetected,
	}
}

func (dto deviceDTO) toModel() (models.DeviceInfo, error) {
	deviceID, err := id.ParseDeviceID(dto.DeviceID)
	if err != nil {
		return models.DeviceInfo{}, err
	}
	return models.DeviceInfo{
		DeviceID:     deviceID,
		Platform:     dto.Platform,
		AppVersion:   dto.AppVersion,
		IsRooted:     dto.IsRooted,
		IsJailbroken: dto.IsJailbroken,
	}, nil
}

func (h *Handler) handleClockIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := httputil.Decode[clockInRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	visitID, err := id.ParseVisitID(req.VisitID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	caregiverID, err := id.ParseCaregiverID(req.CaregiverID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	device, err := req.Device.toModel()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.ClockIn(ctx, record.ClockInCommand{
		VisitID:     visitID,
		CaregiverID: caregiverID,
		Location:    req.Location.toModel(),
		Device:      device,
		Notes:       req.Notes,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "clock-in failed", "visit_id", req.VisitID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, clockEventResponse{
		Record:       result.Record,
		Verification: result.Verification,
	})
}

func (h *Handler) handleClockOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := httputil.Decode[clockOutRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recordID, err := id.ParseRecordID(req.RecordID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	device, err := req.Device.toModel()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.ClockOut(ctx, record.ClockOutCommand{
		RecordID: recordID,
		Location: req.Location.toModel(),
		Device:   device,
		Notes:    req.Notes,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "clock-out failed", "record_id", req.RecordID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, clockEventResponse{
		Record:       result.Record,
		Verification: result.Verification,
	})
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := httputil.Decode[checkInRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	device, err := req.Device.toModel()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entry, err := h.service.CheckIn(ctx, record.CheckInCommand{
		RecordID: recordID,
		Location: req.Location.toModel(),
		Device:   device,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Get(r.Context(), recordID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := h.actor(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, err := httputil.Decode[overrideRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := h.service.ApplyManualOverride(ctx, record.OverrideCommand{
		RecordID:   recordID,
		Actor:      actor,
		Reason:     req.Reason,
		ReasonCode: req.ReasonCode,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "manual override failed",
			"record_id", recordID.String(), "actor_id", actor.ID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := h.actor(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	rec, err := h.service.Submit(ctx, record.SubmitCommand{RecordID: recordID, Actor: actor})
	if err != nil {
		h.logger.WarnContext(ctx, "submission failed",
			"record_id", recordID.String(), "actor_id", actor.ID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// handleEnrollDevice starts a sync coordinator for the device. Enrolling an
// already-enrolled device is a no-op.
func (h *Handler) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	deviceID, err := id.ParseDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.devices.StartDevice(deviceID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeprovisionDevice stops the device's coordinator after flushing its
// pending entries.
func (h *Handler) handleDeprovisionDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	deviceID, err := id.ParseDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.devices.Deprovision(ctx, deviceID); err != nil {
		h.logger.WarnContext(ctx, "device deprovision failed",
			"device_id", deviceID.String(), "error", err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actor(r); err != nil {
		httputil.WriteError(w, err)
		return
	}
	deviceID, err := id.ParseDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.queue.ListByDevice(r.Context(), deviceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}
