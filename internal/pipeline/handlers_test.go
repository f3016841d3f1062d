package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/internal/repository"
	"github.com/caremesh/registrar/pkg/common"
)

type mockProvisioningStore struct {
	mu sync.Mutex

	subjects map[int64]*model.Subject

	defaultTeam    *model.DefaultCareTeam
	defaultTeamErr error

	assignments map[int64]*model.CareTeamAssignment
	createCalls int

	rooms       map[int64]*fakeRoom
	upsertCalls int
	upsertErr   error

	profiles map[int64]bool
}

type fakeRoom struct {
	id      string
	members map[int64]string
}

func newMockProvisioningStore() *mockProvisioningStore {
	return &mockProvisioningStore{
		subjects:    make(map[int64]*model.Subject),
		assignments: make(map[int64]*model.CareTeamAssignment),
		rooms:       make(map[int64]*fakeRoom),
		profiles:    make(map[int64]bool),
	}
}

func (m *mockProvisioningStore) GetSubject(ctx context.Context, subjectID int64) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subjects[subjectID], nil
}

func (m *mockProvisioningStore) GetActiveDefaultCareTeam(ctx context.Context) (*model.DefaultCareTeam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultTeamErr != nil {
		return nil, m.defaultTeamErr
	}
	return m.defaultTeam, nil
}

func (m *mockProvisioningStore) GetCareTeamAssignment(ctx context.Context, subjectID int64) (*model.CareTeamAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignments[subjectID], nil
}

func (m *mockProvisioningStore) CreateCareTeamAssignment(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if _, ok := m.assignments[subjectID]; ok {
		return false, nil
	}
	m.assignments[subjectID] = &model.CareTeamAssignment{
		SubjectID:      subjectID,
		DoctorID:       doctorID,
		NutritionistID: nutritionistID,
	}
	return true, nil
}

func (m *mockProvisioningStore) UpsertCareTeamRoom(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (repository.RoomSyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.upsertErr != nil {
		return repository.RoomSyncResult{}, m.upsertErr
	}

	room, ok := m.rooms[subjectID]
	created := false
	if !ok {
		room = &fakeRoom{id: "room-1", members: make(map[int64]string)}
		m.rooms[subjectID] = room
		created = true
	}
	added := 0
	expected := map[int64]string{subjectID: common.RoleSubject, doctorID: common.RoleDoctor}
	if nutritionistID != nil {
		expected[*nutritionistID] = common.RoleNutritionist
	}
	for userID, role := range expected {
		if _, ok := room.members[userID]; !ok {
			room.members[userID] = role
			added++
		}
	}
	return repository.RoomSyncResult{RoomID: room.id, Created: created, MembersAdded: added}, nil
}

func (m *mockProvisioningStore) UpsertProfessionalProfile(ctx context.Context, subjectID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profiles[subjectID] {
		return false, nil
	}
	m.profiles[subjectID] = true
	return true, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	calls    int
	err      error
	channels []string
}

func (m *mockNotifier) DispatchNotification(ctx context.Context, subjectID int64, channel string, payload map[string]any) (DispatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.channels = append(m.channels, channel)
	if m.err != nil {
		return DispatchResult{}, m.err
	}
	return DispatchResult{Success: true, ProviderMessageID: "msg-1"}, nil
}

func TestAssignCareTeam_IdempotentWhenAssignmentExists(t *testing.T) {
	store := newMockProvisioningStore()
	store.assignments[7] = &model.CareTeamAssignment{SubjectID: 7, DoctorID: 100}
	h := NewHandlers(store, &mockNotifier{}, nil)

	if err := h.AssignCareTeam(context.Background(), 7); err != nil {
		t.Fatalf("existing assignment must be a no-op: %v", err)
	}
	if store.createCalls != 0 {
		t.Errorf("no create expected, got %d", store.createCalls)
	}
}

func TestAssignCareTeam_UsesActiveDefaultTeam(t *testing.T) {
	nutritionist := int64(200)
	store := newMockProvisioningStore()
	store.defaultTeam = &model.DefaultCareTeam{ID: 1, DoctorID: 100, NutritionistID: &nutritionist, Active: true}
	h := NewHandlers(store, &mockNotifier{}, nil)

	if err := h.AssignCareTeam(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := store.assignments[7]
	if a == nil || a.DoctorID != 100 || a.NutritionistID == nil || *a.NutritionistID != 200 {
		t.Fatalf("assignment not created from default team: %+v", a)
	}
}

func TestAssignCareTeam_NoDefaultTeamIsPermanent(t *testing.T) {
	store := newMockProvisioningStore()
	store.defaultTeamErr = repository.ErrNoDefaultCareTeam
	h := NewHandlers(store, &mockNotifier{}, nil)

	err := h.AssignCareTeam(context.Background(), 7)
	if common.Classify(err) != common.ClassPermanent {
		t.Fatalf("missing default team is an admin-config error, must be permanent, got %v", err)
	}
}

func TestCreateChatRoom_SecondCallAddsNothing(t *testing.T) {
	store := newMockProvisioningStore()
	store.assignments[7] = &model.CareTeamAssignment{SubjectID: 7, DoctorID: 100}
	h := NewHandlers(store, &mockNotifier{}, nil)

	if err := h.CreateChatRoom(context.Background(), 7); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := h.CreateChatRoom(context.Background(), 7); err != nil {
		t.Fatalf("second call: %v", err)
	}
	room := store.rooms[7]
	if room == nil || len(room.members) != 2 {
		t.Fatalf("expected one room with subject+doctor, got %+v", room)
	}
	if store.upsertCalls != 2 {
		t.Errorf("expected 2 upsert calls, got %d", store.upsertCalls)
	}
}

func TestCreateChatRoom_WithoutAssignmentIsTransient(t *testing.T) {
	store := newMockProvisioningStore()
	h := NewHandlers(store, &mockNotifier{}, nil)

	err := h.CreateChatRoom(context.Background(), 7)
	if common.Classify(err) != common.ClassTransient {
		t.Fatalf("missing assignment should retry until assignment lands, got %v", err)
	}
}

func TestSendWelcomeNotification_UnknownSubjectIsInvalidRecipient(t *testing.T) {
	store := newMockProvisioningStore()
	notifier := &mockNotifier{}
	h := NewHandlers(store, notifier, nil)

	err := h.SendWelcomeNotification(context.Background(), 404)
	if common.Classify(err) != common.ClassPermanent {
		t.Fatalf("unknown subject must not be retried, got %v", err)
	}
	if notifier.calls != 0 {
		t.Errorf("notifier must not be invoked for an invalid recipient")
	}
}

func TestSendWelcomeNotification_TransportFailurePropagates(t *testing.T) {
	store := newMockProvisioningStore()
	store.subjects[7] = &model.Subject{ID: 7, Kind: common.SubjectKindPatient}
	notifier := &mockNotifier{err: common.Retryable(errors.New("stream down"))}
	h := NewHandlers(store, notifier, nil)

	err := h.SendWelcomeNotification(context.Background(), 7)
	if common.Classify(err) != common.ClassTransient {
		t.Fatalf("transport failure must stay retryable, got %v", err)
	}
}

func TestSetupProfessionalProfile_PatientIsNoOp(t *testing.T) {
	store := newMockProvisioningStore()
	store.subjects[7] = &model.Subject{ID: 7, Kind: common.SubjectKindPatient}
	h := NewHandlers(store, &mockNotifier{}, nil)

	if err := h.SetupProfessionalProfile(context.Background(), 7); err != nil {
		t.Fatalf("patient profile task must complete as no-op: %v", err)
	}
	if store.profiles[7] {
		t.Error("no profile should be provisioned for a patient")
	}
}

func TestSetupProfessionalProfile_Idempotent(t *testing.T) {
	store := newMockProvisioningStore()
	store.subjects[9] = &model.Subject{ID: 9, Kind: common.SubjectKindProfessional}
	h := NewHandlers(store, &mockNotifier{}, nil)

	for i := 0; i < 2; i++ {
		if err := h.SetupProfessionalProfile(context.Background(), 9); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if !store.profiles[9] {
		t.Fatal("profile should be provisioned")
	}
}

func TestHandlerFor_UnknownTypeIsPermanent(t *testing.T) {
	h := NewHandlers(newMockProvisioningStore(), &mockNotifier{}, nil)
	_, err := h.HandlerFor("mystery_task")
	if common.Classify(err) != common.ClassPermanent {
		t.Fatalf("unknown task types must fail terminally, got %v", err)
	}
}
