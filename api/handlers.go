package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"canvas-api/canvas"
	"canvas-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, engine Engine, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/healthz", healthz())
	e.GET("/api/canvas", getCanvas(engine, auth, logger))
	e.GET("/api/canvas/stream", streamCanvas(engine, auth))
	e.GET("/api/inbox", getInbox(engine, auth))
	e.POST("/api/drag", postDrag(engine, auth, logger))
	e.POST("/api/tasks/:id/inbox", postReturnToInbox(engine, auth))
	e.POST("/api/sections", postSection(engine, auth))
	e.PATCH("/api/sections/:id", patchSection(engine, auth))
	e.DELETE("/api/sections/:id", deleteSection(engine, auth))
	e.POST("/api/sections/:id/collect", postCollect(engine, auth, logger))
	e.POST("/api/menu/position", postMenuPosition(auth))
	e.POST("/api/mutations", postMutations(engine, auth, deduper, logger))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getCanvas(engine Engine, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "/api/canvas", logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		engineStart := time.Now()
		nodes, snapErr := engine.Snapshot(ctx, userID)
		metrics.ObserveEngine(time.Since(engineStart))
		if snapErr != nil {
			metrics.SetErrorStage("engine")
			c.Logger().Error(snapErr)
			err = c.String(http.StatusInternalServerError, snapErr.Error())
			return err
		}
		metrics.SetNodesReturned(len(nodes))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, nodesResponse{Nodes: nodes})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getInbox(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := engine.InboxTasks(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, inboxResponse{Tasks: tasks})
	}
}

func postDrag(engine Engine, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req dragRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.TaskID == "" {
			return c.String(http.StatusBadRequest, "taskId is required")
		}

		diff, err := engine.CommitDrag(c.Request().Context(), userID, req.TaskID, req.Screen, req.Viewport, req.Container)
		if err != nil {
			var geomErr *canvas.GeometryError
			if errors.As(err, &geomErr) {
				// No valid drop target. The drag is dropped, not failed.
				logger.WithFields(log.Fields{
					"user": userID,
					"task": req.TaskID,
				}).Warnf("drag ignored: %v", geomErr)
				return c.JSON(http.StatusOK, dragResponse{Applied: false, Reason: geomErr.Error()})
			}
			if errors.Is(err, canvas.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, dragResponse{Applied: true, Diff: diff})
	}
}

func postReturnToInbox(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		diff, err := engine.ReturnToInbox(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, canvas.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, diffResponse{Diff: diff})
	}
}

func postSection(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var section domain.Section
		if err := decodeBody(c, &section); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		created, diff, err := engine.CreateSection(c.Request().Context(), userID, section)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, sectionResponse{Section: created, Diff: diff})
	}
}

func patchSection(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var section domain.Section
		if err := decodeBody(c, &section); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		section.ID = c.Param("id")
		diff, err := engine.UpdateSection(c.Request().Context(), userID, section)
		if err != nil {
			if errors.Is(err, canvas.ErrSectionNotFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, diffResponse{Diff: diff})
	}
}

func deleteSection(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		diff, err := engine.DeleteSection(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, canvas.ErrSectionNotFound) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, diffResponse{Diff: diff})
	}
}

func postCollect(engine Engine, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newRequestMetrics(ctx, "/api/sections/:id/collect", logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		engineStart := time.Now()
		diff, collected, collectErr := engine.AutoCollect(ctx, userID, c.Param("id"))
		metrics.ObserveEngine(time.Since(engineStart))
		if collectErr != nil {
			if errors.Is(collectErr, canvas.ErrSectionNotFound) {
				metrics.SetErrorStage("section_not_found")
				err = c.String(http.StatusNotFound, collectErr.Error())
				return err
			}
			metrics.SetErrorStage("engine")
			c.Logger().Error(collectErr)
			err = c.String(http.StatusInternalServerError, collectErr.Error())
			return err
		}
		metrics.SetNodesReturned(collected)
		err = c.JSON(http.StatusOK, collectResponse{Collected: collected, Diff: diff})
		return err
	}
}

func postMenuPosition(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req menuRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		return c.JSON(http.StatusOK, canvas.ClampMenu(req.Anchor, req.Menu, req.Viewport))
	}
}

func postMutations(engine Engine, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		muts := make([]domain.Mutation, 0, 4)
		if err := decodeBody(c, &muts); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(muts) == 0 {
			return c.JSON(http.StatusOK, postMutationsResponse{})
		}

		keys := make([]string, len(muts))
		for i := range muts {
			if muts[i].IdempotencyKey == "" {
				muts[i].IdempotencyKey = uuid.NewString()
			}
			muts[i].ID = muts[i].IdempotencyKey
			keys[i] = muts[i].IdempotencyKey
		}

		added, dedupeErr := deduper.AddMany(ctx, userID, keys)
		if dedupeErr != nil {
			rollbackKeys(ctx, deduper, userID, keys, added, logger)
			c.Logger().Error(dedupeErr)
			return c.String(http.StatusInternalServerError, "failed to deduplicate mutations")
		}

		fresh := make([]domain.Mutation, 0, len(muts))
		for i, ok := range added {
			if ok {
				fresh = append(fresh, muts[i])
			}
		}
		if len(fresh) == 0 {
			return c.JSON(http.StatusOK, postMutationsResponse{IdempotencyKeys: keys})
		}

		diff, applyErr := engine.ApplyMutations(ctx, userID, fresh)
		if applyErr != nil {
			rollbackKeys(ctx, deduper, userID, keys, added, logger)
			if errors.Is(applyErr, canvas.ErrTaskNotFound) {
				return c.String(http.StatusNotFound, applyErr.Error())
			}
			c.Logger().Error(applyErr)
			return c.String(http.StatusInternalServerError, "failed to apply mutations")
		}

		return c.JSON(http.StatusOK, postMutationsResponse{
			IdempotencyKeys: keys,
			Applied:         len(fresh),
			Diff:            diff,
		})
	}
}

// rollbackKeys removes idempotency keys recorded for a batch that failed so
// the caller may retry it.
func rollbackKeys(ctx context.Context, deduper Deduper, userID string, keys []string, added []bool, logger *log.Logger) {
	for i, ok := range added {
		if !ok {
			continue
		}
		if err := deduper.Remove(ctx, userID, keys[i]); err != nil {
			logger.Errorf("dedupe rollback failed, err: %v, key: %s, user: %s", err, keys[i], userID)
		}
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, postBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
