package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tracktime-api/domain"
	"tracktime-api/storage"
)

// RegisterBridge wires the generic entity-action endpoint. Kind and action
// are validated against closed allow-lists; an unknown pair is a 400, never
// a silent no-op. The bridge forwards payloads unchanged, scopes everything
// to the authenticated user's partition, and never retries.
func RegisterBridge(e *echo.Echo, entities EntityStore, auth Authenticator, logger *log.Logger) {
	e.POST("/api/db/:entity/:action", postEntityAction(entities, auth, logger))
}

func postEntityAction(entities EntityStore, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		kind, err := domain.ParseEntityKind(c.Param("entity"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		action, err := domain.ParseAction(c.Param("action"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		var q domain.EntityQuery
		if c.Request().ContentLength != 0 {
			if err := decodeBody(c, &q); err != nil {
				return c.String(http.StatusBadRequest, "invalid body")
			}
		}

		logger.WithFields(log.Fields{
			"entity": kind,
			"action": action,
			"user":   userID,
		}).Debug("bridge dispatch")

		switch action {
		case domain.ActionFindMany:
			items, err := entities.EntityFindMany(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return c.JSON(http.StatusOK, items)
		case domain.ActionFindUnique:
			raw, err := entities.EntityFindUnique(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusOK, raw)
		case domain.ActionFindFirst:
			raw, err := entities.EntityFindFirst(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusOK, raw)
		case domain.ActionCreate:
			raw, err := entities.EntityCreate(ctx, userID, kind, q.Data)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusCreated, raw)
		case domain.ActionUpdate:
			raw, err := entities.EntityUpdate(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusOK, raw)
		case domain.ActionUpsert:
			raw, err := entities.EntityUpsert(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusOK, raw)
		case domain.ActionDelete:
			raw, err := entities.EntityDelete(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return bridgeRecord(c, http.StatusOK, raw)
		case domain.ActionUpdateMany:
			n, err := entities.EntityUpdateMany(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return c.JSON(http.StatusOK, countResponse{Count: n})
		case domain.ActionDeleteMany:
			n, err := entities.EntityDeleteMany(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return c.JSON(http.StatusOK, countResponse{Count: n})
		case domain.ActionCount:
			n, err := entities.EntityCount(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return c.JSON(http.StatusOK, countResponse{Count: n})
		case domain.ActionAggregate:
			agg, err := entities.EntityAggregate(ctx, userID, kind, q)
			if err != nil {
				return bridgeError(c, err)
			}
			return c.JSON(http.StatusOK, agg)
		}

		// ParseAction guarantees the switch above is exhaustive.
		return c.String(http.StatusBadRequest, "unsupported action")
	}
}

func bridgeRecord(c echo.Context, status int, raw []byte) error {
	if raw == nil {
		return c.JSONBlob(status, []byte("null"))
	}
	return c.JSONBlob(status, raw)
}

// bridgeError propagates persistence rejections unchanged; the bridge
// performs no recovery of its own.
func bridgeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrImmutable):
		return c.String(http.StatusConflict, err.Error())
	}
	var verr storage.ValidationError
	if errors.As(err, &verr) {
		return c.String(http.StatusBadRequest, verr.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}
