package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"insightloop/internal/config"
	"insightloop/internal/connectivity"
	"insightloop/internal/localstore"
	"insightloop/internal/models"
	"insightloop/internal/remotestore"
)

// fakeRemote is an in-memory RemoteStore with switchable failure modes.
type fakeRemote struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	fail     bool // every call fails with a connectivity-style error

	creates int
	puts    int
	deletes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sessions: make(map[string]*models.Session)}
}

func (f *fakeRemote) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeRemote) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}

func (f *fakeRemote) put(session *models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.SessionID] = session.Clone()
}

func (f *fakeRemote) List(_ context.Context, _ int, _ string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	out := make([]models.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s.Clone())
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, remotestore.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeRemote) Put(_ context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.fail {
		return errors.New("connection refused")
	}
	f.sessions[session.SessionID] = session.Clone()
	return nil
}

func (f *fakeRemote) Create(_ context.Context, session *models.Session) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.fail {
		return nil, errors.New("connection refused")
	}
	created := session.Clone()
	if created.SessionID == "" {
		created.SessionID = fmt.Sprintf("remote-%d", len(f.sessions)+1)
	}
	f.sessions[created.SessionID] = created.Clone()
	return created, nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.fail {
		return errors.New("connection refused")
	}
	if _, ok := f.sessions[id]; !ok {
		return remotestore.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

type managerFixture struct {
	manager *SessionManager
	store   *localstore.Memory
	remote  *fakeRemote
	monitor *connectivity.Manual
	queue   *SyncQueue
}

func newFixture(t *testing.T, online bool) *managerFixture {
	t.Helper()

	store := localstore.NewMemory()
	remote := newFakeRemote()
	monitor := connectivity.NewManual(online)
	queue := NewSyncQueue(store, nil)

	policy := config.DefaultSyncPolicy()
	policy.DrainBatchDelay = time.Millisecond // keep drains fast in tests

	// Start is not called here: tests that assert on explicit drain results
	// must not race the background drain a connectivity transition spawns.
	manager := NewSessionManager(store, remote, monitor, queue, policy, nil, nil)

	return &managerFixture{
		manager: manager,
		store:   store,
		remote:  remote,
		monitor: monitor,
		queue:   queue,
	}
}

func seedMessages(n int) []models.Message {
	messages := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		messages = append(messages, models.NewMessage(role, fmt.Sprintf("message %d", i), nil))
	}
	return messages
}

func TestOfflineSaveRoundTrip(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{
		UserID:       "u1",
		BusinessIdea: "pet sitting app",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !models.IsLocalSessionID(session.SessionID) {
		t.Fatalf("offline creation allocated non-local id %q", session.SessionID)
	}

	session.TargetCustomer = "busy pet owners"
	session.Messages = seedMessages(4)
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := fx.manager.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.BusinessIdea != "pet sitting app" || got.TargetCustomer != "busy pet owners" {
		t.Errorf("scalar fields lost: %+v", got)
	}
	if len(got.Messages) != 4 || got.MessageCount != 4 {
		t.Errorf("messages = %d, count = %d, want 4", len(got.Messages), got.MessageCount)
	}
	if got.Sync == nil || !got.Sync.IsLocal {
		t.Error("local session should report isLocal sync status")
	}
	if fx.remote.puts != 0 {
		t.Errorf("offline save reached the remote store (%d puts)", fx.remote.puts)
	}
}

func TestSaveSurvivesColdCache(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "bakery"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session.Messages = seedMessages(2)
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// A fresh manager over the same store simulates a restart: the record
	// must come back from the durable store alone.
	restarted := NewSessionManager(fx.store, fx.remote, fx.monitor, NewSyncQueue(fx.store, nil),
		config.DefaultSyncPolicy(), nil, nil)

	got, err := restarted.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetSession after restart: %v", err)
	}
	if got.BusinessIdea != "bakery" || len(got.Messages) != 2 {
		t.Errorf("restarted view lost data: %+v", got)
	}
}

func TestCreateSessionOnlineUsesRemoteID(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{
		BusinessIdea: "pet sitting app",
		Industry:     "pet care",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if models.IsLocalSessionID(session.SessionID) {
		t.Errorf("online creation allocated local id %q", session.SessionID)
	}
	if session.Status != models.StatusActive || session.Stage != models.StageInitial {
		t.Errorf("defaults not applied: status=%q stage=%q", session.Status, session.Stage)
	}

	// Round-trip: non-default fields equal the partial's fields.
	got, err := fx.manager.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.BusinessIdea != "pet sitting app" || got.Industry != "pet care" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Durability boundary: the remote-created session also lives locally.
	if _, err := fx.store.Get(ctx, sessionKey(session.SessionID)); err != nil {
		t.Errorf("remote-created session missing from local store: %v", err)
	}
}

func TestCreateSessionFallsBackWhenRemoteFails(t *testing.T) {
	fx := newFixture(t, true)
	fx.remote.setFail(true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "x"})
	if err != nil {
		t.Fatalf("CreateSession should never fail while local allocation works: %v", err)
	}
	if !models.IsLocalSessionID(session.SessionID) {
		t.Errorf("fallback creation allocated non-local id %q", session.SessionID)
	}
}

func TestGetSessionMergesLocalMessages(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	// Remote copy lags: empty messages. Local copy has the conversation.
	remoteCopy := &models.Session{SessionID: "abc-123", BusinessIdea: "pet sitting app"}
	fx.remote.put(remoteCopy)

	localCopy := &models.Session{
		SessionID:    "abc-123",
		BusinessIdea: "pet sitting app",
		Messages:     seedMessages(3),
	}
	raw, err := encodeSession(localCopy)
	if err != nil {
		t.Fatal(err)
	}
	fx.store.Set(ctx, sessionKey("abc-123"), raw)

	got, err := fx.manager.GetSession(ctx, "abc-123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Errorf("messages = %d, want 3 (local history must not regress)", len(got.Messages))
	}
	if got.MessageCount != 3 {
		t.Errorf("messageCount = %d, want 3", got.MessageCount)
	}
}

func TestGetSessionFallsBackToLocalOnRemoteFailure(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	localCopy := &models.Session{SessionID: "abc-123", BusinessIdea: "pet sitting app"}
	raw, _ := encodeSession(localCopy)
	fx.store.Set(ctx, sessionKey("abc-123"), raw)

	fx.remote.setFail(true)
	got, err := fx.manager.GetSession(ctx, "abc-123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.BusinessIdea != "pet sitting app" {
		t.Errorf("fallback returned wrong record: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	fx := newFixture(t, true)

	_, err := fx.manager.GetSession(context.Background(), "nowhere-to-be-found")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMalformedLocalRecordBehavesAsMiss(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	fx.store.Set(ctx, sessionKey("local_1755600000000_abcdefghi"), "{not json")

	_, err := fx.manager.GetSession(ctx, "local_1755600000000_abcdefghi")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "x"})
	if err != nil {
		t.Fatal(err)
	}

	if err := fx.manager.DeleteSession(ctx, session.SessionID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := fx.manager.DeleteSession(ctx, session.SessionID); err != nil {
		t.Fatalf("second delete should be a no-op, got: %v", err)
	}

	if fx.remote.has(session.SessionID) {
		t.Error("session still present remotely")
	}
	if _, err := fx.store.Get(ctx, sessionKey(session.SessionID)); !errors.Is(err, localstore.ErrKeyNotFound) {
		t.Error("session still present locally")
	}
	if _, err := fx.manager.GetSession(ctx, session.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("session still materializable after delete")
	}
}

func TestDeleteToleratesRemoteFailure(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "x"})
	if err != nil {
		t.Fatal(err)
	}

	fx.remote.setFail(true)
	if err := fx.manager.DeleteSession(ctx, session.SessionID); err != nil {
		t.Fatalf("delete should tolerate remote failure: %v", err)
	}
}

func TestSaveOnlineSyncsImmediately(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "x"})
	if err != nil {
		t.Fatal(err)
	}

	session.Problem = "finding trustworthy sitters"
	saved, err := fx.manager.SaveSession(ctx, session)
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if saved.Sync == nil || !saved.Sync.IsSynced {
		t.Error("online save of remote session should be marked synced")
	}
	if saved.Sync.LastSyncAt == nil {
		t.Error("lastSyncAt not stamped")
	}
	if !fx.remote.has(session.SessionID) {
		t.Error("session missing remotely after online save")
	}
	if fx.queue.Contains(session.SessionID) {
		t.Error("synced session should not be queued")
	}
}

func TestSaveRemoteFailureIsDeferredNotEscalated(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{BusinessIdea: "x"})
	if err != nil {
		t.Fatal(err)
	}

	fx.remote.setFail(true)
	session.Problem = "updated while remote is down"
	saved, err := fx.manager.SaveSession(ctx, session)
	if err != nil {
		t.Fatalf("remote failure must not surface to the caller: %v", err)
	}
	if saved.Sync.IsSynced {
		t.Error("failed remote write marked as synced")
	}
	if saved.Sync.SyncError == "" {
		t.Error("syncError not recorded")
	}
	if !fx.queue.Contains(session.SessionID) {
		t.Error("failed save not queued for retry")
	}
}

func TestMeaningfulFilterKeepsTrivialDraftsOffRemote(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	// Empty businessIdea: never synced, even though explicitly queued.
	trivial := &models.Session{
		SessionID:          models.NewLocalSessionID(),
		QuestionsGenerated: true,
		Messages:           seedMessages(5),
	}
	if _, err := fx.manager.SaveSession(ctx, trivial); err != nil {
		t.Fatal(err)
	}
	fx.queue.Add(ctx, trivial.SessionID)

	summary := fx.manager.SyncPendingSessions(ctx)

	if fx.remote.has(trivial.SessionID) {
		t.Error("trivial draft reached the remote store")
	}
	if fx.queue.Contains(trivial.SessionID) {
		t.Error("trivial draft should be dropped from the queue, not retried")
	}
	if summary.Dropped == 0 {
		t.Error("drain summary did not count the dropped draft")
	}
}

func TestOfflineCreateThenDrainScenario(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{
		BusinessIdea: "pet sitting app",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(session.SessionID, models.LocalIDPrefix) {
		t.Fatalf("id %q does not match local prefix", session.SessionID)
	}

	session.Messages = seedMessages(4)
	session.QuestionsGenerated = true
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	fx.monitor.SetOnline(true)
	summary := fx.manager.SyncPendingSessions(ctx)
	if summary.Synced != 1 {
		t.Fatalf("synced = %d, want 1 (summary %+v)", summary.Synced, summary)
	}

	if !fx.remote.has(session.SessionID) {
		t.Error("remote store does not hold the drained session under its local id")
	}

	got, err := fx.manager.GetSession(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("local record no longer retrievable after sync: %v", err)
	}
	if got.Sync == nil || !got.Sync.IsSynced {
		t.Error("drained session should report isSynced")
	}
	if len(got.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(got.Messages))
	}

	// The local store copy must survive the successful sync.
	if _, err := fx.store.Get(ctx, sessionKey(session.SessionID)); err != nil {
		t.Error("local store copy removed by successful sync")
	}
}

func TestDrainLeavesFailuresQueued(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session := &models.Session{
		SessionID:          models.NewLocalSessionID(),
		BusinessIdea:       "pet sitting app",
		QuestionsGenerated: true,
		Messages:           seedMessages(3),
	}
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	fx.remote.setFail(true)
	summary := fx.manager.SyncPendingSessions(ctx)
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}
	if !fx.queue.Contains(session.SessionID) {
		t.Error("failed session dropped from queue")
	}

	// Next drain succeeds.
	fx.remote.setFail(false)
	summary = fx.manager.SyncPendingSessions(ctx)
	if summary.Synced != 1 {
		t.Fatalf("retry synced = %d, want 1", summary.Synced)
	}
	if fx.queue.Contains(session.SessionID) {
		t.Error("synced session still queued")
	}
}

func TestCleanupEvictsStaleLowValueSessions(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()
	eightDaysAgo := time.Now().Add(-8 * 24 * time.Hour)

	stale := &models.Session{
		SessionID:    models.NewLocalSessionID(),
		BusinessIdea: "abandoned idea",
		Messages:     seedMessages(1),
		CreatedAt:    eightDaysAgo,
		UpdatedAt:    eightDaysAgo,
	}
	keeper := &models.Session{
		SessionID:          models.NewLocalSessionID(),
		BusinessIdea:       "pet sitting app",
		QuestionsGenerated: true,
		Messages:           seedMessages(5),
		CreatedAt:          eightDaysAgo,
		UpdatedAt:          eightDaysAgo,
	}
	remoteCopy := &models.Session{
		SessionID: "remote-offline-copy",
		CreatedAt: eightDaysAgo,
		UpdatedAt: eightDaysAgo,
	}
	for _, s := range []*models.Session{stale, keeper, remoteCopy} {
		raw, err := encodeSession(s)
		if err != nil {
			t.Fatal(err)
		}
		fx.store.Set(ctx, sessionKey(s.SessionID), raw)
	}

	removed, err := fx.manager.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := fx.store.Get(ctx, sessionKey(stale.SessionID)); !errors.Is(err, localstore.ErrKeyNotFound) {
		t.Error("stale low-value session survived cleanup")
	}
	if _, err := fx.store.Get(ctx, sessionKey(keeper.SessionID)); err != nil {
		t.Error("meaningful session evicted by cleanup")
	}
	if _, err := fx.store.Get(ctx, sessionKey(remoteCopy.SessionID)); err != nil {
		t.Error("offline copy of a remote session evicted by cleanup")
	}
}

func TestCleanupSparesFreshSessions(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	fresh, err := fx.manager.CreateSession(ctx, &models.CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := fx.manager.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if _, err := fx.store.Get(ctx, sessionKey(fresh.SessionID)); err != nil {
		t.Error("fresh session evicted by cleanup")
	}
}

func TestGetAllSessionsUnionView(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	// Local-only draft.
	draft := &models.Session{
		SessionID:    models.NewLocalSessionID(),
		BusinessIdea: "draft",
		UpdatedAt:    time.Now().Add(-time.Hour),
	}
	raw, _ := encodeSession(draft)
	fx.store.Set(ctx, sessionKey(draft.SessionID), raw)

	// Same id in both stores: remote wins.
	shared := &models.Session{SessionID: "shared-1", BusinessIdea: "stale local copy", UpdatedAt: time.Now().Add(-2 * time.Hour)}
	raw, _ = encodeSession(shared)
	fx.store.Set(ctx, sessionKey(shared.SessionID), raw)
	fx.remote.put(&models.Session{SessionID: "shared-1", BusinessIdea: "fresh remote copy", UpdatedAt: time.Now()})

	sessions, err := fx.manager.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len = %d, want 2", len(sessions))
	}

	// Newest-updatedAt first.
	if sessions[0].SessionID != "shared-1" {
		t.Errorf("first session = %s, want shared-1", sessions[0].SessionID)
	}
	if sessions[0].BusinessIdea != "fresh remote copy" {
		t.Errorf("remote copy did not take precedence: %q", sessions[0].BusinessIdea)
	}
	if sessions[0].Sync == nil || !sessions[0].Sync.IsSynced {
		t.Error("remote-backed session should be tagged synced")
	}
	if !sessions[1].Sync.IsLocal || sessions[1].Sync.IsSynced {
		t.Error("local draft should be tagged local and unsynced")
	}
}

func TestGetAllSessionsDegradesToLocalOnly(t *testing.T) {
	fx := newFixture(t, true)
	ctx := context.Background()

	draft := &models.Session{SessionID: models.NewLocalSessionID(), BusinessIdea: "draft"}
	raw, _ := encodeSession(draft)
	fx.store.Set(ctx, sessionKey(draft.SessionID), raw)

	fx.remote.setFail(true)
	sessions, err := fx.manager.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("remote failure should degrade silently, got: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("len = %d, want 1", len(sessions))
	}
}

func TestOnlineTransitionTriggersDrain(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session := &models.Session{
		SessionID:          models.NewLocalSessionID(),
		BusinessIdea:       "pet sitting app",
		QuestionsGenerated: true,
		Messages:           seedMessages(3),
	}
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	fx.manager.Start()
	fx.monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.remote.has(session.SessionID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("online transition did not drain the queue")
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	fx := newFixture(t, false)
	ctx := context.Background()

	session := &models.Session{
		SessionID:          models.NewLocalSessionID(),
		BusinessIdea:       "pet sitting app",
		QuestionsGenerated: true,
		Messages:           seedMessages(3),
	}
	if _, err := fx.manager.SaveSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	// New process: fresh queue over the same store replays membership.
	replayed := NewSyncQueue(fx.store, nil)
	if err := replayed.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !replayed.Contains(session.SessionID) {
		t.Error("queued session lost across restart")
	}
}
