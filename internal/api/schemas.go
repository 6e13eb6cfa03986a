package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/identity"
)

type schemaRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	RawSchema   *string `json:"raw_schema"`
}

// ListSchemas returns the caller's schemas.
func (h *Handler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.repo.ListSchemas(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if schemas == nil {
		schemas = []*domain.Schema{}
	}
	JSON(w, http.StatusOK, schemas)
}

// CreateSchema stores a new schema for the caller.
func (h *Handler) CreateSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		h.writeError(w, r, fmt.Errorf("%w: name is required", domain.ErrValidation))
		return
	}
	if req.RawSchema == nil || strings.TrimSpace(*req.RawSchema) == "" {
		h.writeError(w, r, fmt.Errorf("%w: raw_schema is required", domain.ErrValidation))
		return
	}

	schema := &domain.Schema{
		UserID:      identity.UserIDFromContext(r.Context()),
		Name:        strings.TrimSpace(*req.Name),
		Description: req.Description,
		RawSchema:   *req.RawSchema,
	}
	if err := h.repo.CreateSchema(r.Context(), schema); err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, schema)
}

// UpdateSchema applies a partial update to one of the caller's schemas.
func (h *Handler) UpdateSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.ownedSchema(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req schemaRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			h.writeError(w, r, fmt.Errorf("%w: name must not be empty", domain.ErrValidation))
			return
		}
		schema.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		schema.Description = req.Description
	}
	if req.RawSchema != nil {
		if strings.TrimSpace(*req.RawSchema) == "" {
			h.writeError(w, r, fmt.Errorf("%w: raw_schema must not be empty", domain.ErrValidation))
			return
		}
		schema.RawSchema = *req.RawSchema
	}

	if err := h.repo.UpdateSchema(r.Context(), schema); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateSchema(r.Context(), schema.ID)
	JSON(w, http.StatusOK, schema)
}

// DeleteSchema removes one of the caller's schemas. Sessions bound to it
// fall back to no schema.
func (h *Handler) DeleteSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := h.ownedSchema(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.repo.DeleteSchema(r.Context(), schema.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidateSchema(r.Context(), schema.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ownedSchema loads the schema named in the path. Schemas of other users
// are reported as not found.
func (h *Handler) ownedSchema(r *http.Request) (*domain.Schema, error) {
	id, err := pathID(r, "schemaID")
	if err != nil {
		return nil, err
	}
	schema, err := h.repo.GetSchema(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if schema == nil || schema.UserID != identity.UserIDFromContext(r.Context()) {
		return nil, fmt.Errorf("%w: schema %d", domain.ErrNotFound, id)
	}
	return schema, nil
}

func (h *Handler) invalidateSchema(ctx context.Context, schemaID int64) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, schemaID); err != nil {
		h.logger.Warn("failed to invalidate schema cache", "error", err, "schema_id", schemaID)
	}
}
