package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/models"
	"messenger/internal/presence"
	"messenger/internal/ws"
)

func testUser(username string) *models.User {
	return &models.User{ID: uuid.New(), Username: username, DisplayName: username, PasswordHash: "x", ReadReceiptsEnabled: true}
}

func testConfig() config.Config {
	return config.Config{
		GroupMinParticipants:  3,
		GroupMaxParticipants:  100,
		MaxMentionsPerMessage: 50,
		PresenceTTL:           5 * time.Minute,
	}
}

// setupTestDB connects to the test database and skips the test when none
// is reachable.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=messenger_test port=5432 sslmode=disable TimeZone=UTC"
	}
	gdb, err := db.Connect(dsn)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	for _, table := range []string{"messages", "participants", "conversations", "refresh_tokens", "users"} {
		if err := gdb.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return gdb
}

func newTestConvService(t *testing.T, gdb *gorm.DB) *ConversationService {
	t.Helper()
	return NewConversationService(gdb, ws.NewHub(), presence.NewMemoryStore(5*time.Minute), testConfig())
}

// seedGroup creates a group conversation directly in the store with the
// given admins and members.
func seedGroup(t *testing.T, gdb *gorm.DB, admins, members []*models.User) uuid.UUID {
	t.Helper()
	all := append(append([]*models.User{}, admins...), members...)
	for _, u := range all {
		if err := gdb.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	conv := models.Conversation{Type: models.ConversationGroup, Name: "test group", CreatorID: admins[0].ID}
	if err := gdb.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	now := time.Now().UTC()
	for _, u := range admins {
		p := models.Participant{ConversationID: conv.ID, UserID: u.ID, IsAdmin: true, JoinedAt: now}
		if err := gdb.Create(&p).Error; err != nil {
			t.Fatalf("create admin participant: %v", err)
		}
	}
	for _, u := range members {
		p := models.Participant{ConversationID: conv.ID, UserID: u.ID, JoinedAt: now}
		if err := gdb.Create(&p).Error; err != nil {
			t.Fatalf("create member participant: %v", err)
		}
	}
	return conv.ID
}

func TestSetRole_DemoteLastAdminRejected(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	admin := testUser("admin")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{admin}, []*models.User{m1, m2})

	_, err := svc.SetRole(context.Background(), admin.ID, convID, admin.ID, false)
	if !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("SetRole() demoting sole admin = %v, want ErrLastAdmin", err)
	}

	var p models.Participant
	if err := gdb.Where("conversation_id = ? AND user_id = ?", convID, admin.ID).First(&p).Error; err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if !p.IsAdmin {
		t.Error("sole admin lost admin flag after rejected demotion")
	}
}

func TestSetRole_DemoteWithTwoAdmins(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a, b := testUser("a"), testUser("b")
	m := testUser("m")
	convID := seedGroup(t, gdb, []*models.User{a, b}, []*models.User{m})

	res, err := svc.SetRole(context.Background(), a.ID, convID, b.ID, false)
	if err != nil {
		t.Fatalf("SetRole() demote with two admins: %v", err)
	}
	if res.NoOp {
		t.Error("demotion reported as no-op")
	}
	if res.Participant.IsAdmin || res.Participant.Role != "member" {
		t.Errorf("participant after demote = %+v, want member", res.Participant)
	}

	// A remains the sole admin: demoting A must now fail until someone
	// else is promoted.
	if _, err := svc.SetRole(context.Background(), a.ID, convID, a.ID, false); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("SetRole() demoting new sole admin = %v, want ErrLastAdmin", err)
	}

	if _, err := svc.SetRole(context.Background(), a.ID, convID, m.ID, true); err != nil {
		t.Fatalf("SetRole() promote: %v", err)
	}
	if _, err := svc.SetRole(context.Background(), a.ID, convID, a.ID, false); err != nil {
		t.Fatalf("SetRole() demote after promoting another admin: %v", err)
	}
}

func TestSetRole_PromoteIdempotent(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a, b := testUser("a"), testUser("b")
	m := testUser("m")
	convID := seedGroup(t, gdb, []*models.User{a, b}, []*models.User{m})

	var before models.Participant
	if err := gdb.Where("conversation_id = ? AND user_id = ?", convID, b.ID).First(&before).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}

	res, err := svc.SetRole(context.Background(), a.ID, convID, b.ID, true)
	if err != nil {
		t.Fatalf("SetRole() promote admin: %v", err)
	}
	if !res.NoOp {
		t.Error("promoting an existing admin not reported as no-op")
	}
	if !res.Participant.IsAdmin {
		t.Error("no-op snapshot lost admin flag")
	}

	var after models.Participant
	if err := gdb.Where("conversation_id = ? AND user_id = ?", convID, b.ID).First(&after).Error; err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("no-op promotion mutated the participant row")
	}
}

func TestSetRole_NonAdminActorForbidden(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a := testUser("a")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{a}, []*models.User{m1, m2})

	if _, err := svc.SetRole(context.Background(), m1.ID, convID, m2.ID, true); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("SetRole() by non-admin = %v, want ErrNotAdmin", err)
	}
}

func TestSetRole_ConcurrentDemotesLeaveOneAdmin(t *testing.T) {
	gdb := setupTestDB(t)

	a, b := testUser("a"), testUser("b")
	m := testUser("m")
	convID := seedGroup(t, gdb, []*models.User{a, b}, []*models.User{m})

	// Two admins demote each other at the same time. The row lock
	// serializes them: the second re-evaluates the admin count and must
	// be rejected.
	svc1 := newTestConvService(t, gdb)
	svc2 := newTestConvService(t, gdb)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc1.SetRole(context.Background(), a.ID, convID, b.ID, false)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc2.SetRole(context.Background(), b.ID, convID, a.ID, false)
	}()
	wg.Wait()

	var okCount, lastAdminCount int
	for _, err := range errs {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrLastAdmin), errors.Is(err, ErrNotAdmin):
			// The loser either hits the last-admin check or has already
			// been demoted by the winner.
			lastAdminCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || lastAdminCount != 1 {
		t.Fatalf("concurrent demotes: %d succeeded, %d rejected; want exactly 1 and 1", okCount, lastAdminCount)
	}

	var admins int64
	if err := gdb.Model(&models.Participant{}).
		Where("conversation_id = ? AND left_at IS NULL AND is_admin", convID).
		Count(&admins).Error; err != nil {
		t.Fatalf("count admins: %v", err)
	}
	if admins != 1 {
		t.Fatalf("admin count after concurrent demotes = %d, want 1", admins)
	}
}

func TestAddParticipant_RejoinReusesRow(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a := testUser("a")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{a}, []*models.User{m1, m2})

	joined := func() models.Participant {
		var p models.Participant
		if err := gdb.Where("conversation_id = ? AND user_id = ?", convID, m1.ID).First(&p).Error; err != nil {
			t.Fatalf("load participant: %v", err)
		}
		return p
	}
	original := joined()

	if err := svc.Leave(context.Background(), m1.ID, convID); err != nil {
		t.Fatalf("Leave(): %v", err)
	}
	if p := joined(); p.State() != models.StateLeft {
		t.Fatal("participant not marked left")
	}

	if _, err := svc.AddParticipant(context.Background(), a.ID, convID, m1.ID); err != nil {
		t.Fatalf("AddParticipant() re-add: %v", err)
	}

	var rows int64
	if err := gdb.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", convID, m1.ID).
		Count(&rows).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("participant rows after re-add = %d, want 1", rows)
	}
	rejoined := joined()
	if rejoined.State() != models.StateActive {
		t.Error("re-added participant not active")
	}
	if !rejoined.JoinedAt.Equal(original.JoinedAt) {
		t.Error("re-add rewrote the original join timestamp")
	}
}

func TestAddParticipant_DuplicateActiveRejected(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a := testUser("a")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{a}, []*models.User{m1, m2})

	if _, err := svc.AddParticipant(context.Background(), a.ID, convID, m1.ID); !errors.Is(err, ErrAlreadyParticipant) {
		t.Fatalf("AddParticipant() duplicate = %v, want ErrAlreadyParticipant", err)
	}
}

func TestCreateDirect_Idempotent(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a, b := testUser("a"), testUser("b")
	for _, u := range []*models.User{a, b} {
		if err := gdb.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	c1, err := svc.CreateDirect(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("CreateDirect(): %v", err)
	}
	// Same pair in either order resolves to the same conversation.
	c2, err := svc.CreateDirect(context.Background(), b.ID, a.ID)
	if err != nil {
		t.Fatalf("CreateDirect() second call: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("CreateDirect() returned different conversations: %s vs %s", c1.ID, c2.ID)
	}

	var count int64
	if err := gdb.Model(&models.Conversation{}).Where("type = ?", models.ConversationDirect).Count(&count).Error; err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Errorf("direct conversation rows = %d, want 1", count)
	}
}

func TestListMine_DirectPeerPresence(t *testing.T) {
	gdb := setupTestDB(t)
	pres := presence.NewMemoryStore(5 * time.Minute)
	svc := NewConversationService(gdb, ws.NewHub(), pres, testConfig())

	a, b := testUser("a"), testUser("b")
	for _, u := range []*models.User{a, b} {
		if err := gdb.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	if _, err := svc.CreateDirect(context.Background(), a.ID, b.ID); err != nil {
		t.Fatalf("CreateDirect(): %v", err)
	}
	_ = pres.SetStatus(context.Background(), b.ID, models.StatusOnline)

	convs, err := svc.ListMine(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("ListMine(): %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("ListMine() = %d conversations, want 1", len(convs))
	}
	peer := convs[0].Peer
	if peer == nil {
		t.Fatal("direct conversation missing peer")
	}
	if peer.UserID != b.ID || peer.Username != "b" {
		t.Errorf("peer = %+v, want user b", peer)
	}
	if peer.Status != models.StatusOnline {
		t.Errorf("peer status = %v, want online", peer.Status)
	}
}

func TestCreateGroup_TooFewParticipants(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a, b := testUser("a"), testUser("b")
	for _, u := range []*models.User{a, b} {
		if err := gdb.Create(u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
	}
	if _, err := svc.CreateGroup(context.Background(), a.ID, "duo", []uuid.UUID{b.ID}); err == nil {
		t.Fatal("CreateGroup() with 2 participants succeeded, want validation error")
	}
}

func TestListParticipants_PresenceEnriched(t *testing.T) {
	gdb := setupTestDB(t)
	pres := presence.NewMemoryStore(5 * time.Minute)
	svc := NewConversationService(gdb, ws.NewHub(), pres, testConfig())

	a := testUser("a")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{a}, []*models.User{m1, m2})

	_ = pres.SetStatus(context.Background(), m1.ID, models.StatusBusy)

	parts, err := svc.ListParticipants(context.Background(), a.ID, convID)
	if err != nil {
		t.Fatalf("ListParticipants(): %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("ListParticipants() = %d participants, want 3", len(parts))
	}
	byID := make(map[uuid.UUID]ws.ParticipantDTO)
	for _, p := range parts {
		byID[p.UserID] = p
	}
	if byID[m1.ID].Status != models.StatusBusy {
		t.Errorf("m1 status = %v, want busy", byID[m1.ID].Status)
	}
	// Anyone absent from the presence store reads offline.
	if byID[m2.ID].Status != models.StatusOffline {
		t.Errorf("m2 status = %v, want offline", byID[m2.ID].Status)
	}
	if byID[m2.ID].LastSeen != nil {
		t.Errorf("m2 last seen = %v, want nil", byID[m2.ID].LastSeen)
	}
}

func TestListParticipants_NonParticipantForbidden(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)

	a := testUser("a")
	m1, m2 := testUser("m1"), testUser("m2")
	convID := seedGroup(t, gdb, []*models.User{a}, []*models.User{m1, m2})

	outsider := testUser("outsider")
	if err := gdb.Create(outsider).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := svc.ListParticipants(context.Background(), outsider.ID, convID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("ListParticipants() by outsider = %v, want ErrNotParticipant", err)
	}
}

func TestGet_ConversationNotFound(t *testing.T) {
	gdb := setupTestDB(t)
	svc := newTestConvService(t, gdb)
	u := testUser("u")
	if err := gdb.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := svc.Get(context.Background(), u.ID, uuid.New()); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("Get() unknown conversation = %v, want ErrConversationNotFound", err)
	}
}
