package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/internal/pipeline"
	"github.com/caremesh/registrar/pkg/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type mockProcessor struct {
	mu sync.Mutex

	enqueueCreated int
	enqueueErr     error

	subjectProcessed chan int64

	requeueOK  bool
	requeueErr error

	claimed bool
}

func (m *mockProcessor) EnqueueRegistrationTasks(ctx context.Context, subjectID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueCreated, m.enqueueErr
}

func (m *mockProcessor) ProcessTasksForSubject(ctx context.Context, subjectID int64) (int, error) {
	if m.subjectProcessed != nil {
		m.subjectProcessed <- subjectID
	}
	return 1, nil
}

func (m *mockProcessor) ProcessNextGlobalTask(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed, nil
}

func (m *mockProcessor) RequeueFailedTask(ctx context.Context, subjectID int64, taskType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueOK, m.requeueErr
}

type mockAggregator struct {
	view *model.RegistrationStatusView
	err  error
}

func (m *mockAggregator) GetRegistrationStatus(ctx context.Context, subjectID int64) (*model.RegistrationStatusView, error) {
	return m.view, m.err
}

type mockRoomReconciler struct {
	report model.ReconcileReport
}

func (m *mockRoomReconciler) RunRoomSync(ctx context.Context) (model.ReconcileReport, error) {
	return m.report, nil
}

type mockInflight struct {
	mu       sync.Mutex
	acquired bool
	nxErr    error
	setKeys  []string
	delKeys  []string
}

func (m *mockInflight) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setKeys = append(m.setKeys, key)
	return m.acquired, m.nxErr
}

func (m *mockInflight) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delKeys = append(m.delKeys, keys...)
	return nil
}

type mockRoomReader struct {
	room *model.ChatRoom
}

func (m *mockRoomReader) GetCareTeamRoom(ctx context.Context, subjectID int64) (*model.ChatRoom, error) {
	return m.room, nil
}

func newTestRouter(t *testing.T, processor *mockProcessor, status *mockAggregator, reconciler *mockRoomReconciler, breakers *pipeline.BreakerRegistry, inflight *mockInflight) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if breakers == nil {
		breakers = pipeline.NewBreakerRegistry(5, time.Minute)
	}
	s := NewServer(processor, status, reconciler, &mockRoomReader{}, breakers, inflight, nil)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	s.RegisterRoutes(r)
	return r
}

func adminToken(t *testing.T, secret string, admin bool) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": float64(1),
		"admin":   admin,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHandlePaymentWebhook_AcceptsAndDispatches(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	processor := &mockProcessor{enqueueCreated: 3, subjectProcessed: make(chan int64, 1)}
	inflight := &mockInflight{acquired: true}
	r := newTestRouter(t, processor, &mockAggregator{}, &mockRoomReconciler{}, nil, inflight)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/registration/webhook", strings.NewReader(`{"subject_id": 7}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", "s3cret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp["tasks_created"].(float64) != 3 || resp["dispatching"] != true {
		t.Errorf("response = %v", resp)
	}

	select {
	case id := <-processor.subjectProcessed:
		if id != 7 {
			t.Errorf("dispatched subject %d, want 7", id)
		}
	case <-time.After(time.Second):
		t.Fatal("async processing never started")
	}
}

func TestHandlePaymentWebhook_BadSecretRejected(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	processor := &mockProcessor{}
	r := newTestRouter(t, processor, &mockAggregator{}, &mockRoomReconciler{}, nil, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/registration/webhook", strings.NewReader(`{"subject_id": 7}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandlePaymentWebhook_MissingSubjectIDRejected(t *testing.T) {
	r := newTestRouter(t, &mockProcessor{}, &mockAggregator{}, &mockRoomReconciler{}, nil, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/registration/webhook", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandlePaymentWebhook_DuplicateDeliverySkipsDispatch(t *testing.T) {
	processor := &mockProcessor{enqueueCreated: 0}
	inflight := &mockInflight{acquired: false} // another delivery holds the key
	r := newTestRouter(t, processor, &mockAggregator{}, &mockRoomReconciler{}, nil, inflight)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/registration/webhook", strings.NewReader(`{"subject_id": 7}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("duplicate delivery still gets a 202, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp["dispatching"] != false {
		t.Errorf("duplicate must not start a second dispatcher, response = %v", resp)
	}
	if len(inflight.setKeys) != 1 || !strings.HasPrefix(inflight.setKeys[0], common.InFlightKeyPrefix) {
		t.Errorf("dedup key = %v, want one key under %q", inflight.setKeys, common.InFlightKeyPrefix)
	}
}

func TestHandleGetStatus_ReturnsDerivedView(t *testing.T) {
	status := &mockAggregator{view: &model.RegistrationStatusView{
		SubjectID:          7,
		RegistrationStatus: common.RegStatusCareTeam,
	}}
	r := newTestRouter(t, &mockProcessor{}, status, &mockRoomReconciler{}, nil, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/registration/7/status", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var view model.RegistrationStatusView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if view.RegistrationStatus != common.RegStatusCareTeam {
		t.Errorf("registration_status = %q, want %q", view.RegistrationStatus, common.RegStatusCareTeam)
	}
}

func TestHandleGetStatus_InvalidSubjectID(t *testing.T) {
	r := newTestRouter(t, &mockProcessor{}, &mockAggregator{}, &mockRoomReconciler{}, nil, &mockInflight{})

	for _, id := range []string{"abc", "-1", "0"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/registration/"+id+"/status", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("subject_id %q: status = %d, want 400", id, w.Code)
		}
	}
}

func TestAdminRoutes_RequireAdminToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	r := newTestRouter(t, &mockProcessor{}, &mockAggregator{}, &mockRoomReconciler{}, nil, &mockInflight{})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong key", "Bearer " + adminToken(t, "other-secret", true), http.StatusUnauthorized},
		{"non-admin", "Bearer " + adminToken(t, "jwt-secret", false), http.StatusForbidden},
		{"admin", "Bearer " + adminToken(t, "jwt-secret", true), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/breakers", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d, body %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestHandleRequeueTask_ConflictWhenNotFailed(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	processor := &mockProcessor{requeueOK: false}
	r := newTestRouter(t, processor, &mockAggregator{}, &mockRoomReconciler{}, nil, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/subjects/7/tasks/create_chat_room/requeue", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestHandleBreakerReset(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	breakers := pipeline.NewBreakerRegistry(1, time.Minute)
	breakers.RecordFailure("send_welcome_notification")
	r := newTestRouter(t, &mockProcessor{}, &mockAggregator{}, &mockRoomReconciler{}, breakers, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/breakers/send_welcome_notification/reset", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if err := breakers.Allow("send_welcome_notification"); err != nil {
		t.Errorf("breaker should admit calls after reset, got %v", err)
	}

	// Unknown operation has no breaker state to clear.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/breakers/never_invoked/reset", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetRoom(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	gin.SetMode(gin.TestMode)
	rooms := &mockRoomReader{room: &model.ChatRoom{
		ID:        "room-1",
		SubjectID: 7,
		RoomType:  common.RoomTypeCareTeam,
		Members: []model.ChatRoomMember{
			{RoomID: "room-1", UserID: 7, Role: common.RoleSubject},
			{RoomID: "room-1", UserID: 100, Role: common.RoleDoctor},
		},
	}}
	s := NewServer(&mockProcessor{}, &mockAggregator{}, &mockRoomReconciler{}, rooms,
		pipeline.NewBreakerRegistry(5, time.Minute), &mockInflight{}, nil)
	r := gin.New()
	s.RegisterRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/subjects/7/room", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	var room model.ChatRoom
	if err := json.Unmarshal(w.Body.Bytes(), &room); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if room.ID != "room-1" || len(room.Members) != 2 {
		t.Errorf("room = %+v", room)
	}

	rooms.room = nil
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/subjects/7/room", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a subject without a room", w.Code)
	}
}

func TestHandleReconcileRooms_ReturnsReport(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	reconciler := &mockRoomReconciler{report: model.ReconcileReport{Created: 2, Skipped: 5}}
	r := newTestRouter(t, &mockProcessor{}, &mockAggregator{}, reconciler, nil, &mockInflight{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "jwt-secret", true))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var report model.ReconcileReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if report != reconciler.report {
		t.Errorf("report = %+v, want %+v", report, reconciler.report)
	}
}
