package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

// streamCanvas pushes reconciliation diffs to the rendering layer as
// server-sent events. The first event is always a full snapshot so a
// reconnecting client starts from consistent state instead of replaying
// diffs against whatever it last saw.
func streamCanvas(engine Engine, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			// EventSource cannot set headers; allow the token in the query.
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(header)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		diffs, cancel := engine.Subscribe(userID)
		defer cancel()

		nodes, err := engine.Snapshot(ctx, userID)
		if err != nil {
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := writeEvent(c, flusher, "snapshot", nodesResponse{Nodes: nodes}); err != nil {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case diff, ok := <-diffs:
				if !ok {
					return nil
				}
				if err := writeEvent(c, flusher, "diff", diff); err != nil {
					return nil
				}
			}
		}
	}
}

func writeEvent(c echo.Context, flusher http.Flusher, event string, payload any) error {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
