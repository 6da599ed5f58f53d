package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pikadj/pika-relay/internal/app"
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
)

// fakeStore records every persistence call and hands out sequential
// durable poll ids.
type fakeStore struct {
	mu        sync.Mutex
	pollSeq   int
	createErr error
	ops       map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ops: make(map[string]int)}
}

func (s *fakeStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op]++
}

func (s *fakeStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

func (s *fakeStore) CreatePoll(ctx context.Context, sessionID domain.SessionID, question string, options []string) (domain.PollID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.pollSeq++
	s.ops["create-poll"]++
	return domain.PollID(fmt.Sprintf("poll-%d", s.pollSeq)), nil
}

func (s *fakeStore) ClosePoll(ctx context.Context, pollID domain.PollID, counts []int, winner int, cancelled bool) error {
	s.record("close-poll")
	return nil
}

func (s *fakeStore) RecordVote(ctx context.Context, pollID domain.PollID, clientID domain.ClientID, option int) error {
	s.record("record-vote")
	return nil
}

func (s *fakeStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	s.record("save-session")
	return nil
}

func (s *fakeStore) EndSession(ctx context.Context, sessionID domain.SessionID, at time.Time) error {
	s.record("end-session")
	return nil
}

func (s *fakeStore) SaveMedia(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem) error {
	s.record("save-media")
	return nil
}

func (s *fakeStore) SaveTempoSnapshot(ctx context.Context, sessionID domain.SessionID, item *domain.MediaItem, snap domain.TempoSnapshot) error {
	s.record("save-tempo-snapshot")
	return nil
}

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) typeCount(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(fr, &env) == nil && env.Type == typ {
			n++
		}
	}
	return n
}

func newTestOrch(store core.Store, mediaInterval time.Duration) *Orchestrator {
	return New(Deps{
		Sessions: app.NewSessionRegistry(),
		Polls:    app.NewPollEngine(),
		Nonces:   app.NewNonceCache(128, time.Minute),
		Presence: app.NewPresenceTracker(30*time.Second, 10*time.Minute),
		Tempo:    app.NewTempoBoard(2 * time.Minute),
		Limiter:  app.NewBroadcastLimiter(mediaInterval),
		Hub:      app.NewHub(),
		Timers:   app.NewScheduler(),
		Store:    store,
	})
}

// waitFor polls cond until it holds or the deadline passes; async
// persistence and timers need a moment to land.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wantCode(t *testing.T, err error, code core.NackCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s error, got nil", code)
	}
	var re *core.RelayError
	if !errors.As(err, &re) || re.Code != code {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func register(t *testing.T, o *Orchestrator, host domain.ClientID, id, name string) *domain.Session {
	t.Helper()
	sess, err := o.RegisterSession(host, id, name, "")
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	return sess
}

func TestEndSessionCascade(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")

	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	poll, err := o.StartPoll(context.Background(), "h1", "s1", "", "Faster or slower?", []string{"Faster", "Slower", "Perfect"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.VotePoll("c1", poll.ID, 1, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := o.TempoVote("c1", "s1", domain.TempoFaster, ""); err != nil {
		t.Fatal(err)
	}

	if err := o.EndSession("h1", "s1", ""); err != nil {
		t.Fatal(err)
	}

	if _, ok := o.Polls.Resolve(poll.ID); ok {
		t.Error("poll survived the cascade")
	}
	if snap := o.Tempo.Snapshot("s1", time.Now()); snap.Total != 0 {
		t.Errorf("tempo total = %d after cascade", snap.Total)
	}
	if _, ok := o.Sessions.ByID("s1"); ok {
		t.Error("session still registered")
	}
	if n := listener.typeCount("session-ended"); n != 1 {
		t.Errorf("session-ended broadcasts = %d, want 1", n)
	}
	waitFor(t, "end-session persistence", func() bool { return store.count("end-session") == 1 })
}

func TestRegisterReplaySuppressed(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")

	// Re-registering the same id supersedes; the cascade must not eat
	// this message's own nonce.
	if _, err := o.RegisterSession("h1", "s1", "set", "n-reg"); err != nil {
		t.Fatal(err)
	}
	_, err := o.RegisterSession("h1", "s1", "set", "n-reg")
	wantCode(t, err, core.CodeDuplicate)

	waitFor(t, "session persistence", func() bool { return store.count("save-session") == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := store.count("save-session"); n != 2 {
		t.Errorf("save-session calls = %d, replay re-registered", n)
	}
	if n := store.count("end-session"); n != 1 {
		t.Errorf("end-session calls = %d, replay re-ran the cascade", n)
	}
}

func TestRegisterSupersedes(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "first")

	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	register(t, o, "h1", "s2", "second")

	if _, ok := o.Sessions.ByID("s1"); ok {
		t.Error("superseded session still registered")
	}
	if n := listener.typeCount("session-ended"); n != 1 {
		t.Errorf("session-ended broadcasts = %d, want 1", n)
	}
	if sess, ok := o.Sessions.ByHost("h1"); !ok || sess.ID != "s2" {
		t.Error("host not bound to the new session")
	}
}

func TestMediaChangeFlushesTempo(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	a := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "", a); err != nil {
		t.Fatal(err)
	}
	if _, err := o.TempoVote("c1", "s1", domain.TempoFaster, ""); err != nil {
		t.Fatal(err)
	}

	// Same track again: no flush.
	a2 := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "", a2); err != nil {
		t.Fatal(err)
	}
	if n := listener.typeCount("tempo-reset"); n != 0 {
		t.Fatalf("tempo reset on identical track, broadcasts = %d", n)
	}

	b := &domain.MediaItem{Title: "Beta", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "", b); err != nil {
		t.Fatal(err)
	}

	if snap := o.Tempo.Snapshot("s1", time.Now()); snap.Total != 0 {
		t.Errorf("tempo total = %d after track change", snap.Total)
	}
	if n := listener.typeCount("tempo-reset"); n != 1 {
		t.Errorf("tempo-reset broadcasts = %d, want 1", n)
	}
	if n := listener.typeCount("now-playing"); n != 3 {
		t.Errorf("now-playing broadcasts = %d, want 3", n)
	}
	waitFor(t, "tempo snapshot persistence", func() bool { return store.count("save-tempo-snapshot") == 1 })
}

func TestNonceReplaySuppressed(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	item := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "n1", item); err != nil {
		t.Fatal(err)
	}
	err := o.BroadcastMedia("h1", "s1", "n1", item)
	wantCode(t, err, core.CodeDuplicate)

	if n := listener.typeCount("now-playing"); n != 1 {
		t.Errorf("now-playing broadcasts = %d, replay re-executed the fanout", n)
	}
	waitFor(t, "media persistence", func() bool { return store.count("save-media") >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := store.count("save-media"); n != 1 {
		t.Errorf("save-media calls = %d, replay re-executed persistence", n)
	}
}

func TestVoteFlow(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	poll, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n := listener.typeCount("poll-started"); n != 1 {
		t.Fatalf("poll-started broadcasts = %d", n)
	}

	res, err := o.VotePoll("c1", poll.ID, 1, "")
	if err != nil || res.Duplicate {
		t.Fatalf("vote: res=%+v err=%v", res, err)
	}
	res, err = o.VotePoll("c1", poll.ID, 0, "")
	if err != nil {
		t.Fatalf("repeat vote must ack as success, got %v", err)
	}
	if !res.Duplicate {
		t.Error("repeat vote not flagged duplicate")
	}

	if n := listener.typeCount("poll-update"); n != 1 {
		t.Errorf("poll-update broadcasts = %d, want 1 (no broadcast for repeats)", n)
	}
	waitFor(t, "vote persistence", func() bool { return store.count("record-vote") == 1 })

	out, err := o.EndPoll("h1", poll.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Winner != 1 || out.Total != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if n := listener.typeCount("poll-ended"); n != 1 {
		t.Errorf("poll-ended broadcasts = %d", n)
	}
}

func TestStartPollPersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("store down")
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")

	_, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 0)
	wantCode(t, err, core.CodePersistence)

	// The reservation must be released so the host can retry.
	store.mu.Lock()
	store.createErr = nil
	store.mu.Unlock()
	if _, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 0); err != nil {
		t.Fatalf("retry after store recovery: %v", err)
	}
}

func TestPollAutoEndTimer(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	poll, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if poll.EndsAt == nil {
		t.Fatal("auto-ending poll missing deadline")
	}

	waitFor(t, "auto-end broadcast", func() bool { return listener.typeCount("poll-ended") == 1 })
	if _, ok := o.Polls.Resolve(poll.ID); ok {
		t.Error("poll still live after auto-end")
	}
	waitFor(t, "close-poll persistence", func() bool { return store.count("close-poll") == 1 })
}

func TestManualEndCancelsTimer(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	poll, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.EndPoll("h1", poll.ID, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := listener.typeCount("poll-ended"); n != 1 {
		t.Errorf("poll-ended broadcasts = %d, timer fired after manual end", n)
	}
}

func TestUnauthorizedMutation(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	item := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	wantCode(t, o.BroadcastMedia("h2", "s1", "", item), core.CodeUnauthorized)
	wantCode(t, o.EndSession("h2", "s1", ""), core.CodeUnauthorized)
	if n := listener.typeCount("now-playing") + listener.typeCount("session-ended"); n != 0 {
		t.Errorf("broadcasts after rejected mutations = %d", n)
	}
}

func TestRateLimitedMedia(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, time.Hour)
	register(t, o, "h1", "s1", "set")

	item := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "", item); err != nil {
		t.Fatal(err)
	}
	err := o.BroadcastMedia("h1", "s1", "", item)
	wantCode(t, err, core.CodeRateLimited)
}

func TestSubscribeState(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "Friday Night")

	item := &domain.MediaItem{Title: "Alpha", Artist: "DJ", StartedAt: time.Now()}
	if err := o.BroadcastMedia("h1", "s1", "", item); err != nil {
		t.Fatal(err)
	}
	if _, err := o.StartPoll(context.Background(), "h1", "s1", "", "q", []string{"a", "b"}, 0); err != nil {
		t.Fatal(err)
	}

	listener := &fakeConn{}
	state, err := o.Subscribe("conn-1", listener, "c1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Media == nil || state.Media.Title != "Alpha" {
		t.Errorf("state.Media = %+v", state.Media)
	}
	if state.Poll == nil || state.Poll.Question != "q" {
		t.Errorf("state.Poll = %+v", state.Poll)
	}
	if state.Listeners != 1 {
		t.Errorf("state.Listeners = %d", state.Listeners)
	}
	if n := listener.typeCount("listener-count"); n != 1 {
		t.Errorf("listener-count broadcasts = %d, want 1 for a new participant", n)
	}

	// Same client on a second device: not a new participant, no
	// listener-count broadcast.
	second := &fakeConn{}
	if _, err := o.Subscribe("conn-2", second, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if n := second.typeCount("listener-count"); n != 0 {
		t.Errorf("listener-count broadcasts = %d for a known participant", n)
	}

	_, err = o.Subscribe("conn-3", &fakeConn{}, "c9", "missing")
	wantCode(t, err, core.CodeNotFound)
}

func (f *fakeConn) sawListenerCount(want int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		var env struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		if json.Unmarshal(fr, &env) == nil && env.Type == "listener-count" && env.Count == want {
			return true
		}
	}
	return false
}

func TestSweepBroadcastsCountAfterGraceExpiry(t *testing.T) {
	store := newFakeStore()
	o := New(Deps{
		Sessions: app.NewSessionRegistry(),
		Polls:    app.NewPollEngine(),
		Nonces:   app.NewNonceCache(128, time.Minute),
		Presence: app.NewPresenceTracker(20*time.Millisecond, 10*time.Minute),
		Tempo:    app.NewTempoBoard(2 * time.Minute),
		Limiter:  app.NewBroadcastLimiter(0),
		Hub:      app.NewHub(),
		Timers:   app.NewScheduler(),
		Store:    store,
	})
	register(t, o, "h1", "s1", "set")

	first, second := &fakeConn{}, &fakeConn{}
	if _, err := o.Subscribe("conn-1", first, "c1", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Subscribe("conn-2", second, "c2", "s1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.RunSweeps(ctx, time.Hour, 10*time.Millisecond)

	// One listener drops; once its grace window lapses, the sweep must
	// surface the lower count without waiting for the retention purge.
	o.ListenerDisconnected("conn-1", "c1")
	waitFor(t, "count drop broadcast", func() bool { return second.sawListenerCount(1) })
}

func TestHostDisconnectedCascades(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	o.HostDisconnected("h1", "s1")
	if _, ok := o.Sessions.ByID("s1"); ok {
		t.Error("session survived host disconnect")
	}
	if n := listener.typeCount("session-ended"); n != 1 {
		t.Errorf("session-ended broadcasts = %d", n)
	}
	// No session: a second call is a no-op.
	o.HostDisconnected("h1", "s1")
}

func TestStaleConnDisconnectKeepsNewSession(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "first")
	register(t, o, "h1", "s2", "second")

	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s2"); err != nil {
		t.Fatal(err)
	}

	// The connection that registered s1 lingers half-open past the
	// supersede; its eventual drop still names s1.
	o.HostDisconnected("h1", "s1")
	if _, ok := o.Sessions.ByID("s2"); !ok {
		t.Fatal("live session torn down by a stale connection's disconnect")
	}
	if n := listener.typeCount("session-ended"); n != 0 {
		t.Errorf("session-ended broadcasts = %d, want 0", n)
	}

	// The current connection's drop still ends the live session.
	o.HostDisconnected("h1", "s2")
	if _, ok := o.Sessions.ByID("s2"); ok {
		t.Error("live session survived its own connection's disconnect")
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	if err := o.SetAnnouncement("h1", "s1", "", "last call"); err != nil {
		t.Fatal(err)
	}
	if sess, _ := o.Sessions.ByID("s1"); sess.Announcement == nil || sess.Announcement.Text != "last call" {
		t.Error("announcement not pinned")
	}
	if err := o.CancelAnnouncement("h1", "s1", ""); err != nil {
		t.Fatal(err)
	}
	if sess, _ := o.Sessions.ByID("s1"); sess.Announcement != nil {
		t.Error("announcement survived cancel")
	}
	if listener.typeCount("announcement") != 1 || listener.typeCount("announcement-cleared") != 1 {
		t.Error("announcement broadcasts missing")
	}
}

func TestTempoVoteBroadcastsAggregate(t *testing.T) {
	store := newFakeStore()
	o := newTestOrch(store, 0)
	register(t, o, "h1", "s1", "set")
	listener := &fakeConn{}
	if _, err := o.Subscribe("conn-1", listener, "c1", "s1"); err != nil {
		t.Fatal(err)
	}

	snap, err := o.TempoVote("c1", "s1", domain.TempoSlower, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Slower != 1 || snap.Total != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if n := listener.typeCount("tempo-update"); n != 1 {
		t.Errorf("tempo-update broadcasts = %d", n)
	}
	_, err = o.TempoVote("c1", "missing", domain.TempoSlower, "")
	wantCode(t, err, core.CodeNotFound)
}
