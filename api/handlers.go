package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tracktime-api/domain"
	"tracktime-api/storage"
	"tracktime-api/timekeeper"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, entities EntityStore, timer Timer, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.POST("/api/tasks", postTask(store, auth))
	e.PUT("/api/tasks/:id", putTask(store, timer, auth))
	e.DELETE("/api/tasks/:id", deleteTask(store, timer, auth))
	e.GET("/api/history", getHistory(store, auth, logger))
	e.POST("/api/tasks/:id/timer/start", startTimer(timer, auth, deduper))
	e.POST("/api/tasks/:id/timer/stop", stopTimer(timer, auth, deduper))
	e.GET("/api/tasks/:id/timer/stream", streamTimer(timer, auth))
	e.GET("/api/preferences", getPreferences(store, auth))
	e.PUT("/api/preferences", putPreferences(store, auth))
	e.GET("/healthz", healthz(store))
}

func healthz(_ Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		//TODO: implement healthcheck
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, userID)
		if fetchErr != nil {
			metrics.ObserveFetch(time.Since(fetchStart))
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		prefs, prefsErr := store.GetPreferences(ctx, userID)
		if prefsErr != nil {
			metrics.ObserveFetch(time.Since(fetchStart))
			metrics.SetErrorStage("preferences")
			c.Logger().Error(prefsErr)
			err = c.String(http.StatusInternalServerError, prefsErr.Error())
			return err
		}
		intervals, ivErr := store.FetchIntervals(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if ivErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(ivErr)
			err = c.String(http.StatusInternalServerError, ivErr.Error())
			return err
		}

		if !prefs.ShowDone && c.QueryParam("all") != "1" {
			visible := tasks[:0]
			for _, t := range tasks {
				if !t.Done {
					visible = append(visible, t)
				}
			}
			tasks = visible
		}
		domain.SortTasks(tasks, prefs)

		openStarts := make(map[string]time.Time)
		for _, iv := range intervals {
			if iv.Running() {
				openStarts[iv.TaskID] = iv.Start
			}
		}

		now := time.Now()
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			v := taskView{Task: t}
			if start, ok := openStarts[t.ID]; ok {
				v.Running = true
				if elapsed := int64(now.Sub(start).Seconds()); elapsed > 0 {
					v.ElapsedSeconds = elapsed
				}
			}
			v.TimeSpentDisplay = domain.FormatDuration(t.TimeSpent + v.ElapsedSeconds)
			views = append(views, v)
		}
		metrics.SetItemsReturned(len(views))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: views})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Text == nil || strings.TrimSpace(*req.Text) == "" {
			return c.String(http.StatusBadRequest, "task text is required")
		}

		created, err := store.InsertTask(ctx, userID, domain.Task{Text: strings.TrimSpace(*req.Text)})
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}

		// The creation mutation starts the task's edit history. Losing it
		// degrades history rendering, never the task itself.
		text := created.Text
		if _, merr := store.InsertMutation(ctx, userID, domain.TaskMutation{
			TaskID: created.ID,
			At:     time.Unix(0, nextTimestamp()),
			Text:   &text,
		}); merr != nil {
			c.Logger().Errorf("creation mutation not recorded: %v", merr)
		}

		return c.JSON(http.StatusCreated, created)
	}
}

func putTask(store Storage, timer Timer, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		task, err := store.GetTask(ctx, userID, taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load task")
		}

		var textChange *string
		if req.Text != nil {
			trimmed := strings.TrimSpace(*req.Text)
			if trimmed == "" {
				return c.String(http.StatusBadRequest, "task text is required")
			}
			if trimmed != task.Text {
				textChange = &trimmed
			}
		}
		var doneChange *bool
		if req.Done != nil && *req.Done != task.Done {
			doneChange = req.Done
		}
		if textChange == nil && doneChange == nil {
			return c.JSON(http.StatusOK, task)
		}

		// Completing a task stops its running timer before the done flag is
		// persisted, so the stop's duration bump lands first.
		if doneChange != nil && *doneChange {
			stopped, wasRunning, serr := timer.StopIfRunning(ctx, userID, taskID)
			if serr != nil {
				c.Logger().Error(serr)
				return c.String(http.StatusInternalServerError, "failed to stop running timer")
			}
			if wasRunning {
				task = stopped
			}
		}

		if textChange != nil {
			task.Text = *textChange
		}
		if doneChange != nil {
			task.Done = *doneChange
		}

		updated, err := store.UpdateTask(ctx, userID, task)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update task")
		}

		if _, merr := store.InsertMutation(ctx, userID, domain.TaskMutation{
			TaskID: taskID,
			At:     time.Unix(0, nextTimestamp()),
			Text:   textChange,
			Done:   doneChange,
		}); merr != nil {
			c.Logger().Errorf("mutation not recorded: %v", merr)
		}

		return c.JSON(http.StatusOK, updated)
	}
}

func deleteTask(store Storage, timer Timer, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		if _, err := store.GetTask(ctx, userID, taskID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load task")
		}

		intervals, err := store.CountIntervals(ctx, userID, taskID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to count history")
		}
		mutations, err := store.CountMutations(ctx, userID, taskID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to count history")
		}

		if (intervals > 0 || mutations > 0) && c.QueryParam("force") != "1" {
			return c.JSON(http.StatusConflict, deleteConflictResponse{
				Error:     "task has recorded history",
				Intervals: intervals,
				Mutations: mutations,
			})
		}

		if _, err := store.DeleteIntervals(ctx, userID, taskID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete intervals")
		}
		if _, err := store.DeleteMutations(ctx, userID, taskID); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete mutations")
		}
		if err := store.DeleteTask(ctx, userID, taskID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		timer.Forget(userID, taskID)

		return c.NoContent(http.StatusNoContent)
	}
}

func getHistory(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newHistoryRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		loc := time.UTC
		if tz := c.QueryParam("tz"); tz != "" {
			parsed, tzErr := time.LoadLocation(tz)
			if tzErr != nil {
				metrics.SetErrorStage("invalid_timezone")
				err = c.String(http.StatusBadRequest, "invalid timezone")
				return err
			}
			loc = parsed
		}

		take := 0
		if raw := strings.TrimSpace(c.QueryParam("take")); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				metrics.SetErrorStage("invalid_take")
				err = c.String(http.StatusBadRequest, "invalid take")
				return err
			}
			take = parsed
		}

		fetchStart := time.Now()
		storageFail := func(fetchErr error) error {
			metrics.ObserveFetch(time.Since(fetchStart))
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		tasks, fetchErr := store.FetchTasks(ctx, userID)
		if fetchErr != nil {
			return storageFail(fetchErr)
		}
		intervals, fetchErr := store.FetchIntervals(ctx, userID)
		if fetchErr != nil {
			return storageFail(fetchErr)
		}
		mutations, fetchErr := store.FetchMutations(ctx, userID)
		if fetchErr != nil {
			return storageFail(fetchErr)
		}
		metrics.ObserveFetch(time.Since(fetchStart))

		entries := domain.MergeHistory(intervals, mutations)
		if take > 0 && len(entries) > take {
			entries = entries[:take]
		}
		metrics.SetItemsReturned(len(entries))

		idx := domain.BuildPreviousTextIndex(mutations)
		taskText := make(map[string]string, len(tasks))
		for _, t := range tasks {
			taskText[t.ID] = t.Text
		}

		resp := buildHistoryResponse(entries, loc, idx, taskText)
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func buildHistoryResponse(entries []domain.HistoryEntry, loc *time.Location, idx domain.PreviousTextIndex, taskText map[string]string) historyResponse {
	now := time.Now()
	groups := domain.GroupByDate(entries, loc)
	resp := historyResponse{Groups: make([]historyGroupView, 0, len(groups))}
	for _, g := range groups {
		gv := historyGroupView{Date: g.Date, Entries: make([]historyEntryView, 0, len(g.Entries))}
		for _, e := range g.Entries {
			ev := historyEntryView{
				TaskID:   e.TaskID(),
				TaskText: taskText[e.TaskID()],
				At:       e.At(),
			}
			switch {
			case e.Interval != nil:
				ev.Type = "interval"
				ev.End = e.Interval.End
				ev.Seconds = e.Interval.Seconds(now)
				ev.Display = domain.FormatDuration(ev.Seconds)
			case e.Mutation != nil:
				ev.Type = "mutation"
				ev.Text = e.Mutation.Text
				ev.Done = e.Mutation.Done
				if e.Mutation.Text != nil {
					ev.OldText = idx.PreviousText(e.Mutation.TaskID, e.Mutation.ID)
				}
			}
			gv.Entries = append(gv.Entries, ev)
		}
		resp.Groups = append(resp.Groups, gv)
	}
	return resp
}

func startTimer(timer Timer, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return timerTransition(timer, auth, deduper, true)
}

func stopTimer(timer Timer, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return timerTransition(timer, auth, deduper, false)
}

func timerTransition(timer Timer, auth Authenticator, deduper Deduper, start bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")

		key := c.Request().Header.Get("Idempotency-Key")
		if key != "" && deduper != nil {
			added, derr := deduper.Add(ctx, userID, key)
			if derr != nil {
				c.Logger().Error(derr)
				return c.String(http.StatusInternalServerError, "idempotency check failed")
			}
			if !added {
				// Replay of an already-processed toggle: report state, no
				// second transition.
				return currentTimerState(c, timer, userID, taskID)
			}
		}
		rollback := func() {
			if key != "" && deduper != nil {
				if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
					c.Logger().Errorf("dedupe rollback failed: %v, key: %s, user: %s", rerr, key, userID)
				}
			}
		}

		if start {
			if _, serr := timer.Start(ctx, userID, taskID); serr != nil {
				rollback()
				return timerErrorResponse(c, serr, "failed to start timer")
			}
			return currentTimerState(c, timer, userID, taskID)
		}

		task, serr := timer.Stop(ctx, userID, taskID)
		if serr != nil {
			rollback()
			return timerErrorResponse(c, serr, "failed to stop timer")
		}
		return c.JSON(http.StatusOK, timerResponse{
			TaskID:         taskID,
			Running:        false,
			ElapsedSeconds: task.TimeSpent,
			Display:        domain.FormatDuration(task.TimeSpent),
		})
	}
}

func timerErrorResponse(c echo.Context, err error, fallback string) error {
	switch {
	case errors.Is(err, timekeeper.ErrAlreadyRunning), errors.Is(err, timekeeper.ErrNotRunning):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return c.String(http.StatusNotFound, "task not found")
	}
	var cerr domain.ConsistencyError
	if errors.As(err, &cerr) {
		return c.String(http.StatusConflict, cerr.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, fallback)
}

func currentTimerState(c echo.Context, timer Timer, userID, taskID string) error {
	ctx := c.Request().Context()
	running, err := timer.Running(ctx, userID, taskID)
	if err != nil {
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "failed to load timer state")
	}
	elapsed, err := timer.Elapsed(ctx, userID, taskID, time.Now())
	if err != nil {
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "failed to load timer state")
	}
	return c.JSON(http.StatusOK, timerResponse{
		TaskID:         taskID,
		Running:        running,
		ElapsedSeconds: elapsed,
		Display:        domain.FormatDuration(elapsed),
	})
}

func streamTimer(timer Timer, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("id")
		ctx := c.Request().Context()

		ch, cancel, err := timer.Watch(ctx, userID, taskID)
		if err != nil {
			if errors.Is(err, timekeeper.ErrNotRunning) {
				return c.String(http.StatusConflict, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to watch timer")
		}
		defer cancel()

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		var last int64
		for {
			select {
			case <-ctx.Done():
				return nil
			case elapsed, open := <-ch:
				if !open {
					// Timer stopped: one final event, then end the stream.
					_ = writeTimerEvent(c, timerResponse{
						TaskID:         taskID,
						Running:        false,
						ElapsedSeconds: last,
						Display:        domain.FormatDuration(last),
					})
					flusher.Flush()
					return nil
				}
				last = elapsed
				if werr := writeTimerEvent(c, timerResponse{
					TaskID:         taskID,
					Running:        true,
					ElapsedSeconds: elapsed,
					Display:        domain.FormatDuration(elapsed),
				}); werr != nil {
					return werr
				}
				flusher.Flush()
			}
		}
	}
}

func writeTimerEvent(c echo.Context, ev timerResponse) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	_, err = c.Response().Write([]byte("\n\n"))
	return err
}

func getPreferences(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		prefs, err := store.GetPreferences(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, prefs)
	}
}

func putPreferences(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var prefs domain.Preferences
		if err := decodeBody(c, &prefs); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if prefs.OrderField == "" {
			prefs.OrderField = domain.OrderByCreatedAt
		} else if !domain.ValidOrderField(prefs.OrderField) {
			return c.String(http.StatusBadRequest, "invalid order field")
		}

		if err := store.SavePreferences(ctx, userID, prefs); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to save preferences")
		}
		return c.JSON(http.StatusOK, prefs)
	}
}
