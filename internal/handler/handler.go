// Package handler serves the attendance API over gin.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/metrics"
	"classattend/internal/stats"
)

// Handler maps HTTP routes onto per-user attendance sessions.
type Handler struct {
	svc       *attendance.Service
	target    int
	metrics   *metrics.Metrics
	heartbeat time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a handler. m may be nil.
func New(svc *attendance.Service, target int, m *metrics.Metrics) *Handler {
	if !stats.ValidTarget(target) {
		target = stats.DefaultTarget
	}
	return &Handler{
		svc:       svc,
		target:    target,
		metrics:   m,
		heartbeat: 25 * time.Second,
		stop:      make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Used on shutdown, where
// long-lived streams would otherwise hold the server open.
func (h *Handler) CloseStreams() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register mounts the routes. g must already run auth.UserAuth.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/me", h.me)
	g.DELETE("/session", h.signOut)

	g.GET("/document", h.document)
	g.GET("/document/stream", h.stream)
	g.POST("/reset", h.reset)

	g.PUT("/timetable", h.saveTimetable)
	g.PUT("/timetable/:day", h.saveDay)
	g.GET("/subjects/choices", h.choices)
	g.PUT("/subjects/:key/initial", h.initialCounts)

	g.GET("/days/:date", h.day)
	g.POST("/days/:date/periods/:period/mark", h.mark)
	g.PUT("/days/:date/periods/:period/subject", h.swap)
	g.POST("/days/:date/lock", h.lock)
	g.DELETE("/days/:date/lock", h.unlock)
	g.POST("/days/:date/holiday", h.holiday)

	g.GET("/stats", h.report)
}

func (h *Handler) session(c *gin.Context) (*attendance.Session, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return nil, false
	}
	sess, err := h.svc.Open(c.Request.Context(), id.UserID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) me(c *gin.Context) {
	id, _ := auth.IdentityFrom(c)
	c.JSON(http.StatusOK, id)
}

func (h *Handler) signOut(c *gin.Context) {
	id, _ := auth.IdentityFrom(c)
	h.svc.Close(id.UserID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) document(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Document())
}

func (h *Handler) reset(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	doc, err := sess.Update(c.Request.Context(), func(d *attendance.Document) error {
		d.Reset()
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// stream pushes a "document" and a "stats" event on every change until the
// client goes away.
func (h *Handler) stream(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates, err := h.svc.Watch(ctx, sess.UserID())
	if err != nil {
		writeError(c, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Streams.Inc()
		defer h.metrics.Streams.Dec()
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
		case snap, open := <-updates:
			if !open {
				return
			}
			if !snap.Found {
				continue
			}
			c.SSEvent("document", snap.Document)
			c.SSEvent("stats", stats.Compute(snap.Document, h.target))
		}
		c.Writer.Flush()
	}
}

// countField accepts a period count as a JSON number or string.
type countField string

func (f *countField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = countField(s)
	default:
		*f = countField(data)
	}
	return nil
}

type dayForm struct {
	Count    countField `json:"count"`
	Subjects []string   `json:"subjects"`
}

func (h *Handler) saveTimetable(c *gin.Context) {
	var req struct {
		Days map[string]dayForm `json:"days" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	forms := make(map[attendance.Weekday]dayForm, len(req.Days))
	for name, form := range req.Days {
		day, err := attendance.ParseWeekday(name)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, dup := forms[day]; dup {
			writeError(c, fmt.Errorf("%w: %s given twice", attendance.ErrInvalidWeekday, day))
			return
		}
		forms[day] = form
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	doc, err := sess.Update(c.Request.Context(), func(d *attendance.Document) error {
		// Week order decides which spelling of a new subject is kept.
		for _, day := range attendance.Weekdays {
			form, ok := forms[day]
			if !ok {
				continue
			}
			if err := d.ApplyDayForm(day, string(form.Count), form.Subjects); err != nil {
				return err
			}
		}
		return d.ValidateTimetable()
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// saveDay commits one weekday without the whole-timetable check, the way a
// tab switch in the editor does.
func (h *Handler) saveDay(c *gin.Context) {
	day, err := attendance.ParseWeekday(c.Param("day"))
	if err != nil {
		writeError(c, err)
		return
	}
	var form dayForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	doc, err := sess.Update(c.Request.Context(), func(d *attendance.Document) error {
		return d.ApplyDayForm(day, string(form.Count), form.Subjects)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "periods": doc.Timetable[day]})
}

func (h *Handler) choices(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	names := sess.Document().SubjectChoices()
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"subjects": names})
}

func (h *Handler) initialCounts(c *gin.Context) {
	var req struct {
		Attended int `json:"attended"`
		Held     int `json:"held"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	key := attendance.NormalizeKey(c.Param("key"))
	doc, err := sess.Update(c.Request.Context(), func(d *attendance.Document) error {
		return d.SetInitialCounts(key, req.Attended, req.Held)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "subject": doc.Subjects[key]})
}

func (h *Handler) day(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	view, err := sess.Document().Day(c.Param("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func periodParam(c *gin.Context) (int, bool) {
	p, err := strconv.Atoi(c.Param("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period"})
		return 0, false
	}
	return p, true
}

// editDay runs fn inside a document update and answers with the day view.
func (h *Handler) editDay(c *gin.Context, fn func(d *attendance.Document, date string) error) (attendance.DayView, bool) {
	sess, ok := h.session(c)
	if !ok {
		return attendance.DayView{}, false
	}
	date := c.Param("date")
	doc, err := sess.Update(c.Request.Context(), func(d *attendance.Document) error {
		return fn(d, date)
	})
	if err != nil {
		writeError(c, err)
		return attendance.DayView{}, false
	}
	view, err := doc.Day(date)
	if err != nil {
		writeError(c, err)
		return attendance.DayView{}, false
	}
	return view, true
}

func (h *Handler) mark(c *gin.Context) {
	period, ok := periodParam(c)
	if !ok {
		return
	}
	var req struct {
		Present *bool `json:"present" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "present must be true or false"})
		return
	}
	var state attendance.CellState
	view, ok := h.editDay(c, func(d *attendance.Document, date string) error {
		var err error
		state, err = d.Mark(date, period, *req.Present)
		return err
	})
	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveMark(state)
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "day": view})
}

func (h *Handler) swap(c *gin.Context) {
	period, ok := periodParam(c)
	if !ok {
		return
	}
	var req struct {
		Subject string `json:"subject"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, ok := h.editDay(c, func(d *attendance.Document, date string) error {
		_, err := d.Swap(date, period, req.Subject)
		return err
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) lock(c *gin.Context) {
	view, ok := h.editDay(c, func(d *attendance.Document, date string) error {
		return d.Lock(date)
	})
	if ok {
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) unlock(c *gin.Context) {
	view, ok := h.editDay(c, func(d *attendance.Document, date string) error {
		return d.Unlock(date)
	})
	if ok {
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) holiday(c *gin.Context) {
	view, ok := h.editDay(c, func(d *attendance.Document, date string) error {
		_, err := d.ToggleHoliday(date)
		return err
	})
	if ok {
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) report(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, stats.Compute(sess.Document(), h.target))
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, attendance.ErrDateLocked),
		errors.Is(err, attendance.ErrHoliday),
		errors.Is(err, attendance.ErrNoClasses):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, attendance.ErrNoSuchPeriod),
		errors.Is(err, attendance.ErrUnknownSubject):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrInvalidDate),
		errors.Is(err, attendance.ErrInvalidWeekday),
		errors.Is(err, attendance.ErrEmptySubject):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrEmptyTimetable),
		errors.Is(err, attendance.ErrCountTooLarge):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, attendance.ErrSaveFailed):
		status = http.StatusServiceUnavailable
		msg = attendance.ErrSaveFailed.Error()
	default:
		log.Printf("request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
