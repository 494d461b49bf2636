package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/metrics"
	"classattend/internal/notify"
	"classattend/internal/stats"
	"classattend/internal/store"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "test-idp"
	monday     = "2024-01-01"
)

type brokenGateway struct {
	*store.Gateway
	failing atomic.Bool
}

func (g *brokenGateway) Put(ctx context.Context, userID string, doc attendance.Document) error {
	if g.failing.Load() {
		return errors.New("connection reset")
	}
	return g.Gateway.Put(ctx, userID, doc)
}

type testServer struct {
	router  *gin.Engine
	gateway *brokenGateway
	metrics *metrics.Metrics
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := &brokenGateway{Gateway: store.NewGateway(store.NewMemory(), notify.NewInMemory())}
	svc := attendance.NewService(gw, time.Second)
	t.Cleanup(svc.CloseAll)
	m := metrics.New(prometheus.NewRegistry(), svc.Active)

	r := gin.New()
	h := New(svc, stats.DefaultTarget, m)
	h.Register(r.Group("/v1", auth.UserAuth(testKey, testIssuer)))

	token, _, err := auth.Issue(auth.Identity{UserID: "stu-1", Name: "Student"}, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	return &testServer{router: r, gateway: gw, metrics: m, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) mondayTimetable(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{
			"monday": map[string]any{"count": "2", "subjects": []string{"Math", "Physics"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/document", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[auth.Identity](t, rec)
	assert.Equal(t, "stu-1", id.UserID)
	assert.Equal(t, "Student", id.Name)
}

func TestFirstAccessReturnsDefaultDocument(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/document", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[attendance.Document](t, rec)
	assert.False(t, doc.HasClasses())
	assert.Empty(t, doc.Subjects)
}

func TestSaveTimetable(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{
			"monday":  map[string]any{"count": 3, "subjects": []string{" Math ", "", "Physics"}},
			"tuesday": map[string]any{"count": "abc", "subjects": []string{"Art"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[attendance.Document](t, rec)
	assert.Equal(t, []string{"Math", "Physics"}, doc.Timetable[attendance.Monday])
	assert.Empty(t, doc.Timetable[attendance.Tuesday])
	assert.Contains(t, doc.Subjects, "math")
	assert.Contains(t, doc.Subjects, "physics")
	assert.NotContains(t, doc.Subjects, "art")

	rec = s.do(t, http.MethodGet, "/v1/subjects/choices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subjects":["Math","Physics"]}`, rec.Body.String())
}

func TestSaveEmptyTimetableIsRejected(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{"monday": map[string]any{"count": 0}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{"someday": map[string]any{"count": 1, "subjects": []string{"Math"}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveTimetableKeepsFirstSpellingInWeekOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		s := newTestServer(t)
		rec := s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
			"days": map[string]any{
				"wednesday": map[string]any{"count": 1, "subjects": []string{"math"}},
				"tuesday":   map[string]any{"count": 1, "subjects": []string{"MATH"}},
				"monday":    map[string]any{"count": 1, "subjects": []string{"Math"}},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		doc := decode[attendance.Document](t, rec)
		require.Len(t, doc.Subjects, 1)
		assert.Equal(t, "Math", doc.Subjects["math"].DisplayName)
	}
}

func TestSaveTimetableRejectsUnknownDayBeforeApplying(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{
			"monday": map[string]any{"count": 1, "subjects": []string{"Math"}},
			"funday": map[string]any{"count": 1, "subjects": []string{"Nap"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/timetable", map[string]any{
		"days": map[string]any{
			"monday": map[string]any{"count": 1, "subjects": []string{"Math"}},
			"Monday": map[string]any{"count": 1, "subjects": []string{"Art"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/document", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[attendance.Document](t, rec)
	assert.False(t, doc.HasClasses())
	assert.Empty(t, doc.Subjects)
}

func TestSaveTimetableAcceptsFractionalCount(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/v1/timetable", json.RawMessage(
		`{"days":{"monday":{"count":3.0,"subjects":["Math","Art","Lab","Extra"]},"tuesday":{"count":"2abc","subjects":["Art","Lab"]}}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decode[attendance.Document](t, rec)
	assert.Equal(t, []string{"Math", "Art", "Lab"}, doc.Timetable[attendance.Monday])
	assert.Equal(t, []string{"Art", "Lab"}, doc.Timetable[attendance.Tuesday])
}

func TestSaveDaySkipsValidation(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/v1/timetable/friday", map[string]any{"count": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"day":"friday","periods":[]}`, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/v1/timetable/funday", map[string]any{"count": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkToggleCycle(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)
	path := "/v1/days/" + monday + "/periods/0/mark"

	type markResp struct {
		State attendance.CellState `json:"state"`
		Day   attendance.DayView   `json:"day"`
	}
	steps := []struct {
		present bool
		want    attendance.CellState
	}{
		{true, attendance.Present},
		{true, attendance.Unmarked},
		{false, attendance.Absent},
		{true, attendance.Present},
	}
	for _, st := range steps {
		rec := s.do(t, http.MethodPost, path, map[string]bool{"present": st.present})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[markResp](t, rec)
		assert.Equal(t, st.want, got.State)
		assert.Equal(t, st.want, got.Day.Periods[0].State)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.Marks.WithLabelValues("present"))+
		testutil.ToFloat64(s.metrics.Marks.WithLabelValues("absent")))
}

func TestMarkErrors(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad date", "/v1/days/2024-13-01/periods/0/mark", map[string]bool{"present": true}, http.StatusBadRequest},
		{"bad period", "/v1/days/" + monday + "/periods/x/mark", map[string]bool{"present": true}, http.StatusBadRequest},
		{"no such period", "/v1/days/" + monday + "/periods/5/mark", map[string]bool{"present": true}, http.StatusNotFound},
		{"missing present", "/v1/days/" + monday + "/periods/0/mark", map[string]string{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLockBlocksMarking(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)

	rec := s.do(t, http.MethodPost, "/v1/days/"+monday+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[attendance.DayView](t, rec).Locked)

	rec = s.do(t, http.MethodPost, "/v1/days/"+monday+"/periods/0/mark", map[string]bool{"present": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/v1/days/"+monday+"/lock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[attendance.DayView](t, rec).Locked)

	rec = s.do(t, http.MethodPost, "/v1/days/"+monday+"/periods/0/mark", map[string]bool{"present": true})
	assert.Equal(t, http.StatusOK, rec.Code)

	// 2024-01-02 is a Tuesday with no classes.
	rec = s.do(t, http.MethodPost, "/v1/days/2024-01-02/lock", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHolidayExcludedFromStats(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)
	s.do(t, http.MethodPost, "/v1/days/"+monday+"/periods/0/mark", map[string]bool{"present": false})

	rec := s.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[stats.Report](t, rec).Held)

	rec = s.do(t, http.MethodPost, "/v1/days/"+monday+"/holiday", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[attendance.DayView](t, rec).Holiday)

	rec = s.do(t, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, 0, decode[stats.Report](t, rec).Held)

	rec = s.do(t, http.MethodPost, "/v1/days/"+monday+"/periods/1/mark", map[string]bool{"present": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSwapSubject(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)
	path := "/v1/days/" + monday + "/periods/0/subject"

	rec := s.do(t, http.MethodPut, path, map[string]string{"subject": "physics"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[attendance.DayView](t, rec)
	assert.Equal(t, "Physics", view.Periods[0].Subject)
	assert.True(t, view.Periods[0].Swapped)
	assert.Equal(t, attendance.Unmarked, view.Periods[0].State)

	rec = s.do(t, http.MethodPut, path, map[string]string{"subject": "Chemistry"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPut, path, map[string]string{"subject": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitialCountsAndStats(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)

	rec := s.do(t, http.MethodPut, "/v1/subjects/Math/initial", map[string]int{"attended": 8, "held": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/v1/subjects/chemistry/initial", map[string]int{"attended": 1, "held": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/subjects/math/initial", map[string]int{"attended": 0, "held": 1_000_000_000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[stats.Report](t, rec)
	assert.Equal(t, 10, report.Held)
	assert.Equal(t, 8, report.Present)
	assert.Equal(t, "80.0", report.PercentText)
	assert.Equal(t, stats.Projection{Kind: stats.ProjectionSkip, Classes: 0}, report.Projection)
}

func TestReset(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)
	rec := s.do(t, http.MethodPost, "/v1/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[attendance.Document](t, rec)
	assert.False(t, doc.HasClasses())
	assert.Empty(t, doc.Subjects)
}

func TestSaveFailureKeepsLocalChange(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)
	s.gateway.failing.Store(true)

	rec := s.do(t, http.MethodPost, "/v1/days/"+monday+"/periods/0/mark", map[string]bool{"present": true})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"could not save your changes, please retry"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/days/"+monday, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, attendance.Present, decode[attendance.DayView](t, rec).Periods[0].State)
}

func TestSignOut(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v1/document", nil)
	rec := s.do(t, http.MethodDelete, "/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.Sessions))
}

func TestStreamSendsDocumentAndStats(t *testing.T) {
	s := newTestServer(t)
	s.mondayTimetable(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/document/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event:document")
	assert.Contains(t, body, "event:stats")
	assert.True(t, strings.Contains(body, "Physics"))
}

func TestCountField(t *testing.T) {
	tests := []struct {
		in   string
		want countField
	}{
		{`3`, "3"},
		{`"4"`, "4"},
		{`null`, ""},
		{`"abc"`, "abc"},
	}
	for _, tt := range tests {
		var f countField
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
		assert.Equal(t, tt.want, f, tt.in)
	}
}
