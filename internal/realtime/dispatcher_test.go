package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/lsmic/dispatch/internal/api/metrics"
	"github.com/lsmic/dispatch/internal/core/domain"
)

// ── Stubs ─────────────────────────────────────────────────────────────────────

type stubUserRepo struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	order   []string
	updates int
	nextID  int
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{users: make(map[string]*domain.User)}
}

func (r *stubUserRepo) seed(id, username string, isAdmin bool) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &domain.User{ID: id, Username: username, IsAdmin: isAdmin, Badges: []string{}, Ranks: []string{}, Services: []string{}}
	r.users[id] = u
	r.order = append(r.order, id)
	return u
}

func (r *stubUserRepo) get(id string) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneUser(r.users[id])
}

func (r *stubUserRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Badges = append([]string(nil), u.Badges...)
	return &clone
}

func (r *stubUserRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (r *stubUserRepo) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if u := r.users[id]; u != nil && u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func matches(u *domain.User, filter map[string]any) bool {
	for k, v := range filter {
		switch k {
		case "id", "_id":
			if s, _ := v.(string); s != u.ID {
				return false
			}
		case "username":
			if s, _ := v.(string); s != u.Username {
				return false
			}
		case "isAvailable":
			if b, _ := v.(bool); b != u.IsAvailable {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (r *stubUserRepo) Find(_ context.Context, filter map[string]any) ([]*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.User{}
	for _, id := range r.order {
		u := r.users[id]
		if u == nil {
			continue
		}
		if len(filter) == 0 || matches(u, filter) {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (r *stubUserRepo) Insert(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	clone := cloneUser(user)
	clone.ID = fmt.Sprintf("u%d", r.nextID)
	r.users[clone.ID] = clone
	r.order = append(r.order, clone.ID)
	return cloneUser(clone), nil
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func applyPatch(u *domain.User, patch map[string]any) {
	for k, v := range patch {
		switch k {
		case "isAvailable":
			u.IsAvailable, _ = v.(bool)
		case "note":
			u.Note, _ = v.(string)
		case "username":
			u.Username, _ = v.(string)
		case "phone":
			u.Phone, _ = v.(string)
		case "bank":
			u.Bank, _ = v.(string)
		case "badges":
			u.Badges = toStrings(v)
		}
	}
}

func (r *stubUserRepo) UpdateOne(_ context.Context, id string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	applyPatch(u, patch)
	r.updates++
	return nil
}

func (r *stubUserRepo) UpdateMany(_ context.Context, ids []string, patch map[string]any) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			applyPatch(u, patch)
			r.updates++
			n++
		}
	}
	return n, nil
}

func (r *stubUserRepo) DeleteOne(_ context.Context, filter map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.order {
		u := r.users[id]
		if u != nil && matches(u, filter) {
			delete(r.users, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			return nil
		}
	}
	return domain.ErrUserNotFound
}

type stubCatalogRepo struct {
	kind   domain.CatalogKind
	items  []domain.CatalogItem
	nextID int
}

func (r *stubCatalogRepo) Kind() domain.CatalogKind { return r.kind }

func (r *stubCatalogRepo) FindAll(context.Context) ([]domain.CatalogItem, error) {
	return append([]domain.CatalogItem{}, r.items...), nil
}

func (r *stubCatalogRepo) Insert(_ context.Context, label, color string) (domain.CatalogItem, error) {
	r.nextID++
	item := domain.CatalogItem{ID: fmt.Sprintf("%s%d", r.kind, r.nextID), Label: label, Color: color}
	r.items = append(r.items, item)
	return item, nil
}

func (r *stubCatalogRepo) UpdateOne(_ context.Context, id string, patch map[string]any) error {
	for i := range r.items {
		if r.items[i].ID == id {
			if label, ok := patch["label"].(string); ok {
				r.items[i].Label = label
			}
			if color, ok := patch["color"].(string); ok {
				r.items[i].Color = color
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *stubCatalogRepo) DeleteOne(_ context.Context, id string) error {
	for i := range r.items {
		if r.items[i].ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

type stubInfoRepo struct {
	notes  []domain.InfoNote
	nextID int
}

func (r *stubInfoRepo) Append(_ context.Context, text string) (*domain.InfoNote, error) {
	r.nextID++
	note := domain.InfoNote{ID: fmt.Sprintf("i%d", r.nextID), Text: text}
	r.notes = append(r.notes, note)
	return &note, nil
}

func (r *stubInfoRepo) Latest(context.Context) (*domain.InfoNote, error) {
	if len(r.notes) == 0 {
		return nil, domain.ErrNotFound
	}
	note := r.notes[len(r.notes)-1]
	return &note, nil
}

type pubCall struct {
	room    string
	event   string
	payload any
}

type stubPublisher struct {
	mu    sync.Mutex
	calls []pubCall
}

func (p *stubPublisher) ToRoom(room, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pubCall{room: room, event: event, payload: payload})
}

func (p *stubPublisher) Global(event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pubCall{room: "", event: event, payload: payload})
}

func (p *stubPublisher) all() []pubCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pubCall{}, p.calls...)
}

// ── Fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	d     *Dispatcher
	users *stubUserRepo
	infos *stubInfoRepo
	repos Repositories
	pub   *stubPublisher
}

func newFixture() *fixture {
	users := newStubUserRepo()
	infos := &stubInfoRepo{}
	repos := Repositories{
		Users:    users,
		Badges:   &stubCatalogRepo{kind: domain.KindBadge},
		Ranks:    &stubCatalogRepo{kind: domain.KindRank},
		Services: &stubCatalogRepo{kind: domain.KindService},
		Infos:    infos,
	}
	pub := &stubPublisher{}
	return &fixture{
		d:     NewDispatcher(NewStore(), pub, repos, true, zerolog.Nop()),
		users: users,
		infos: infos,
		repos: repos,
		pub:   pub,
	}
}

func sessionFor(userID string, isAdmin bool) *Session {
	return newSession(nil, domain.Identity{UserID: userID, IsAdmin: isAdmin}, zerolog.Nop())
}

func frame(t *testing.T, event string, payload any) Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Frame{Event: event, Data: data}
}

// drain returns every frame queued on the session's send buffer.
func drain(t *testing.T, s *Session) []Frame {
	t.Helper()
	frames := []Frame{}
	for {
		select {
		case raw := <-s.send:
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("bad frame on send buffer: %v", err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func decodeData(t *testing.T, f Frame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Event, err)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDispatcher_NonAdminMutationsSilentlyDropped(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	fx.users.seed("u2", "bob", false)
	s := sessionFor("u1", false)

	ctx := context.Background()
	fx.d.handle(ctx, s, frame(t, CmdAvailableOther, map[string]any{"id": "u2", "state": true}))
	fx.d.handle(ctx, s, frame(t, CmdUpdateOtherUser, map[string]any{"id": "u2", "newData": map[string]any{"note": "x"}}))
	fx.d.handle(ctx, s, frame(t, CmdUpdateMultiUsers, map[string]any{"filter": map[string]any{}, "newData": map[string]any{"note": "x"}}))
	fx.d.handle(ctx, s, frame(t, CmdDeleteUser, map[string]any{"_id": "u2"}))
	fx.d.handle(ctx, s, frame(t, CmdCreateBadge, map[string]any{"label": "l", "color": "c"}))
	fx.d.handle(ctx, s, frame(t, CmdEditInfos, "sneaky"))

	if n := fx.users.writeCount(); n != 0 {
		t.Fatalf("expected no store writes, got %d", n)
	}
	if u := fx.users.get("u2"); u == nil || u.Note != "" || u.IsAvailable {
		t.Fatalf("target user mutated: %+v", u)
	}
	if calls := fx.pub.all(); len(calls) != 0 {
		t.Fatalf("expected no broadcasts, got %d", len(calls))
	}
	if frames := drain(t, s); len(frames) != 0 {
		t.Fatalf("expected no error frames on denial, got %d", len(frames))
	}
}

func TestDispatcher_AvailableSelf(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	s := sessionFor("u1", false)

	fx.d.handle(context.Background(), s, frame(t, CmdAvailable, map[string]any{"state": true}))

	if u := fx.users.get("u1"); !u.IsAvailable {
		t.Fatalf("expected isAvailable to be true after command")
	}

	calls := fx.pub.all()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(calls))
	}
	if calls[0].room != "" || calls[0].event != EventDispatchDelta {
		t.Fatalf("unexpected broadcast: %+v", calls[0])
	}
	delta := calls[0].payload.(dispatchDelta)
	want := dispatchDelta{UserID: "u1", NewData: map[string]any{"isAvailable": true}}
	if !reflect.DeepEqual(delta, want) {
		t.Fatalf("delta = %+v, want %+v", delta, want)
	}

	frames := drain(t, s)
	if len(frames) != 1 || frames[0].Event != CmdAvailable {
		t.Fatalf("expected one available ack, got %+v", frames)
	}
	var state bool
	decodeData(t, frames[0], &state)
	if !state {
		t.Fatalf("ack state = false, want true")
	}
}

func TestDispatcher_AvailableLenientWhenRecordMissing(t *testing.T) {
	fx := newFixture()
	s := sessionFor("ghost", false)

	fx.d.handle(context.Background(), s, frame(t, CmdAvailable, map[string]any{"state": true}))

	// NotFound is treated like success: the ack and the delta still go out.
	if frames := drain(t, s); len(frames) != 1 {
		t.Fatalf("expected ack despite missing record, got %d frames", len(frames))
	}
	if calls := fx.pub.all(); len(calls) != 1 {
		t.Fatalf("expected delta despite missing record, got %d calls", len(calls))
	}
}

func TestDispatcher_AvailableOtherAsAdmin(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	s := sessionFor("a1", true)

	fx.d.handle(context.Background(), s, frame(t, CmdAvailableOther, map[string]any{"id": "u1", "state": true}))

	if u := fx.users.get("u1"); !u.IsAvailable {
		t.Fatalf("target not made available")
	}

	calls := fx.pub.all()
	if len(calls) != 2 {
		t.Fatalf("expected room ack + global delta, got %d", len(calls))
	}
	if calls[0].room != "u1" || calls[0].event != CmdAvailable {
		t.Fatalf("first call should ack the target room: %+v", calls[0])
	}
	if calls[1].room != "" || calls[1].event != EventDispatchDelta {
		t.Fatalf("second call should be the global delta: %+v", calls[1])
	}
}

func TestDispatcher_UpdateUserIdempotent(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	s := sessionFor("u1", false)

	ctx := context.Background()
	fx.d.handle(ctx, s, frame(t, CmdUpdateUser, map[string]any{"note": "x"}))
	fx.d.handle(ctx, s, frame(t, CmdUpdateUser, map[string]any{"note": "x"}))

	if u := fx.users.get("u1"); u.Note != "x" {
		t.Fatalf("note = %q, want x", u.Note)
	}

	calls := fx.pub.all()
	if len(calls) != 2 {
		t.Fatalf("expected two broadcasts, got %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0], calls[1]) {
		t.Fatalf("broadcasts differ: %+v vs %+v", calls[0], calls[1])
	}
}

func TestDispatcher_UpdateMultiUsersZeroMatches(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	fx.users.seed("u2", "bob", false)
	s := sessionFor("a1", true)

	fx.d.handle(context.Background(), s, frame(t, CmdUpdateMultiUsers, map[string]any{
		"filter":  map[string]any{"username": "ghost"},
		"newData": map[string]any{"note": "x"},
	}))

	if n := fx.users.writeCount(); n != 0 {
		t.Fatalf("expected zero writes for empty match, got %d", n)
	}

	calls := fx.pub.all()
	if len(calls) != 1 || calls[0].event != EventAllUsers || calls[0].room != "" {
		t.Fatalf("expected single global getAllUsers, got %+v", calls)
	}
	list := calls[0].payload.([]*domain.User)
	if len(list) != 2 || list[0].Note != "" || list[1].Note != "" {
		t.Fatalf("refreshed list should equal pre-existing state: %+v", list)
	}
}

func TestDispatcher_UpdateMultiUsersMatched(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	fx.users.seed("u2", "bob", false)
	s := sessionFor("a1", true)

	fx.d.handle(context.Background(), s, frame(t, CmdUpdateMultiUsers, map[string]any{
		"filter":  map[string]any{"username": "bob"},
		"newData": map[string]any{"note": "night shift"},
	}))

	if u := fx.users.get("u2"); u.Note != "night shift" {
		t.Fatalf("matched user not updated: %+v", u)
	}
	if u := fx.users.get("u1"); u.Note != "" {
		t.Fatalf("unmatched user mutated: %+v", u)
	}

	calls := fx.pub.all()
	if len(calls) != 2 {
		t.Fatalf("expected room update + global refresh, got %d", len(calls))
	}
	if calls[0].room != "u2" || calls[0].event != CmdUpdateUser {
		t.Fatalf("expected room update for u2 first, got %+v", calls[0])
	}
	if calls[1].event != EventAllUsers {
		t.Fatalf("expected global refresh last, got %+v", calls[1])
	}
}

func TestDispatcher_StartPatrol(t *testing.T) {
	fx := newFixture()
	fx.users.seed("a", "alice", false)
	fx.users.seed("b", "bob", false)
	fx.users.seed("c", "carol", false)
	s := sessionFor("c", false)

	fx.d.handle(context.Background(), s, frame(t, CmdStartPatrol, map[string]any{
		"patrol": "P",
		"mates":  []string{"a", "b"},
	}))

	for _, id := range []string{"a", "b", "c"} {
		u := fx.users.get(id)
		if !reflect.DeepEqual(u.Badges, []string{"P"}) {
			t.Fatalf("user %s badges = %v, want [P]", id, u.Badges)
		}
	}

	roomDeltas := map[string]int{}
	globals := 0
	for _, call := range fx.pub.all() {
		if call.room == "" {
			if call.event != EventDispatchDelta {
				t.Fatalf("unexpected global event %q", call.event)
			}
			globals++
			continue
		}
		if call.event != CmdUpdateUser {
			t.Fatalf("unexpected room event %q", call.event)
		}
		roomDeltas[call.room]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if roomDeltas[id] != 1 {
			t.Fatalf("room %s received %d deltas, want exactly 1", id, roomDeltas[id])
		}
	}
	if globals != 3 {
		t.Fatalf("expected one global delta per affected id, got %d", globals)
	}
}

func TestDispatcher_StartPatrolDeduplicatesSelf(t *testing.T) {
	fx := newFixture()
	fx.users.seed("c", "carol", false)
	s := sessionFor("c", false)

	fx.d.handle(context.Background(), s, frame(t, CmdStartPatrol, map[string]any{
		"patrol": "P",
		"mates":  []string{"c"},
	}))

	rooms := 0
	for _, call := range fx.pub.all() {
		if call.room == "c" {
			rooms++
		}
	}
	if rooms != 1 {
		t.Fatalf("self listed as mate should still get one delta, got %d", rooms)
	}
}

func TestDispatcher_DeleteUser(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	fx.users.seed("u2", "bob", false)
	s := sessionFor("a1", true)

	fx.d.handle(context.Background(), s, frame(t, CmdDeleteUser, map[string]any{"_id": "u2"}))

	if fx.users.get("u2") != nil {
		t.Fatalf("user not deleted")
	}

	calls := fx.pub.all()
	if len(calls) != 2 {
		t.Fatalf("expected disconnect + deletion delta, got %d", len(calls))
	}
	if calls[0].room != "u2" || calls[0].event != EventDisconnectUser {
		t.Fatalf("expected disconnectUser to target room, got %+v", calls[0])
	}
	delta := calls[1].payload.(dispatchDelta)
	if !delta.Deleted || delta.UserID != "u2" {
		t.Fatalf("deletion delta = %+v", delta)
	}
}

func TestDispatcher_DeleteUserLenientWhenMissing(t *testing.T) {
	fx := newFixture()
	s := sessionFor("a1", true)

	fx.d.handle(context.Background(), s, frame(t, CmdDeleteUser, map[string]any{"_id": "ghost"}))

	// Deleting a missing record still broadcasts the attempted delta.
	if calls := fx.pub.all(); len(calls) != 2 {
		t.Fatalf("expected broadcasts despite missing record, got %d", len(calls))
	}
}

func TestDispatcher_DeleteUserWithoutIDTargetsNobody(t *testing.T) {
	st := NewStore()
	users := newStubUserRepo()
	users.seed("u1", "alice", false)
	users.seed("u2", "bob", false)
	repos := Repositories{
		Users:    users,
		Badges:   &stubCatalogRepo{kind: domain.KindBadge},
		Ranks:    &stubCatalogRepo{kind: domain.KindRank},
		Services: &stubCatalogRepo{kind: domain.KindService},
		Infos:    &stubInfoRepo{},
	}
	d := NewDispatcher(st, NewBroadcaster(st, nil, zerolog.Nop()), repos, true, zerolog.Nop())

	bystander := sessionFor("u1", false)
	st.Register(bystander)

	// A filter without id/_id leaves no target room to address. The record
	// still gets deleted and the global delta still fires, but the
	// disconnect order must not reach anyone else.
	d.handle(context.Background(), sessionFor("a1", true), frame(t, CmdDeleteUser, map[string]any{"username": "bob"}))

	if users.get("u2") != nil {
		t.Fatalf("user not deleted")
	}
	frames := drain(t, bystander)
	for _, f := range frames {
		if f.Event == EventDisconnectUser {
			t.Fatalf("bystander received a disconnect order")
		}
	}
	if len(frames) != 1 || frames[0].Event != EventDispatchDelta {
		t.Fatalf("bystander frames = %+v, want only the global delta", frames)
	}
}

func TestDispatcher_UnknownCommandLabelBounded(t *testing.T) {
	fx := newFixture()
	s := sessionFor("u1", false)
	ctx := context.Background()

	fx.d.handle(ctx, s, Frame{Event: "zzz-first"})
	series := testutil.CollectAndCount(metrics.CommandsTotal)
	unknown := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues("unknown"))

	fx.d.handle(ctx, s, Frame{Event: "zzz-second"})
	fx.d.handle(ctx, s, Frame{Event: "zzz-third"})

	if got := testutil.CollectAndCount(metrics.CommandsTotal); got != series {
		t.Fatalf("client-chosen event names minted %d new series", got-series)
	}
	if got := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues("unknown")); got != unknown+2 {
		t.Fatalf("unknown counter = %v, want %v", got, unknown+2)
	}
}

func TestDispatcher_CatalogLifecycle(t *testing.T) {
	fx := newFixture()
	s := sessionFor("a1", true)
	ctx := context.Background()

	fx.d.handle(ctx, s, frame(t, CmdCreateBadge, map[string]any{"label": "North", "color": "#fff"}))

	calls := fx.pub.all()
	if len(calls) != 1 || calls[0].event != EventNewBadge || calls[0].room != "" {
		t.Fatalf("expected global newBadge, got %+v", calls)
	}
	created := calls[0].payload.(domain.CatalogItem)
	if created.Label != "North" || created.ID == "" {
		t.Fatalf("created badge = %+v", created)
	}

	fx.d.handle(ctx, s, frame(t, CmdEditBadge, map[string]any{
		"badgeId": created.ID,
		"data":    map[string]any{"label": "South"},
	}))
	calls = fx.pub.all()
	last := calls[len(calls)-1]
	if last.event != CmdGetAllBadges {
		t.Fatalf("edit should broadcast refreshed list, got %+v", last)
	}
	items := last.payload.([]domain.CatalogItem)
	if len(items) != 1 || items[0].Label != "South" {
		t.Fatalf("refreshed list after edit = %+v", items)
	}

	fx.d.handle(ctx, s, frame(t, CmdDeleteBadge, map[string]any{"badgeId": created.ID}))
	calls = fx.pub.all()
	last = calls[len(calls)-1]
	if last.event != CmdGetAllBadges {
		t.Fatalf("delete should broadcast refreshed list, got %+v", last)
	}
	if items := last.payload.([]domain.CatalogItem); len(items) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", items)
	}
}

func TestDispatcher_EditInfosRoundTrip(t *testing.T) {
	fx := newFixture()
	admin := sessionFor("a1", true)
	reader := sessionFor("u1", false)
	ctx := context.Background()

	fx.d.handle(ctx, admin, frame(t, CmdEditInfos, "hello"))

	calls := fx.pub.all()
	if len(calls) != 1 || calls[0].event != CmdEditInfos || calls[0].room != "" {
		t.Fatalf("expected global editInfos, got %+v", calls)
	}
	if text := calls[0].payload.(string); text != "hello" {
		t.Fatalf("broadcast text = %q", text)
	}

	fx.d.handle(ctx, reader, frame(t, CmdGetLastInfos, nil))
	frames := drain(t, reader)
	if len(frames) != 1 || frames[0].Event != CmdEditInfos {
		t.Fatalf("expected editInfos reply, got %+v", frames)
	}
	var text string
	decodeData(t, frames[0], &text)
	if text != "hello" {
		t.Fatalf("getLastInfos = %q, want hello", text)
	}
}

func TestDispatcher_GetLastInfosEmptyLog(t *testing.T) {
	fx := newFixture()
	s := sessionFor("u1", false)

	fx.d.handle(context.Background(), s, frame(t, CmdGetLastInfos, nil))

	frames := drain(t, s)
	if len(frames) != 1 {
		t.Fatalf("expected one reply, got %d", len(frames))
	}
	var text string
	decodeData(t, frames[0], &text)
	if text != "" {
		t.Fatalf("empty log should read as empty note, got %q", text)
	}
}

func TestDispatcher_GetDispatchSnapshot(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	fx.users.seed("u2", "bob", true)
	if _, err := fx.repos.Badges.Insert(context.Background(), "North", "#fff"); err != nil {
		t.Fatalf("seed badge: %v", err)
	}
	s := sessionFor("u1", false)

	fx.d.handle(context.Background(), s, frame(t, CmdGetDispatch, nil))

	frames := drain(t, s)
	if len(frames) != 1 || frames[0].Event != CmdGetDispatch {
		t.Fatalf("expected getDispatch reply, got %+v", frames)
	}

	var snap struct {
		Members  []map[string]any `json:"members"`
		Badges   []map[string]any `json:"badges"`
		Ranks    []map[string]any `json:"ranks"`
		Services []map[string]any `json:"services"`
	}
	decodeData(t, frames[0], &snap)
	if len(snap.Members) != 2 || len(snap.Badges) != 1 || len(snap.Ranks) != 0 || len(snap.Services) != 0 {
		t.Fatalf("snapshot shape off: %+v", snap)
	}
	if _, leaked := snap.Members[0]["password"]; leaked {
		t.Fatalf("password hash leaked into projection")
	}
	if _, ok := snap.Members[0]["isAvailable"]; !ok {
		t.Fatalf("projection missing isAvailable field")
	}
}

func TestDispatcher_ForceUnavailableOnDisconnect(t *testing.T) {
	fx := newFixture()
	u := fx.users.seed("u1", "alice", false)
	u.IsAvailable = true

	fx.d.forceUnavailable(context.Background(), "u1")

	if fx.users.get("u1").IsAvailable {
		t.Fatalf("user still available after presence teardown")
	}
	calls := fx.pub.all()
	if len(calls) != 1 || calls[0].event != EventDispatchDelta {
		t.Fatalf("expected one global delta, got %+v", calls)
	}
	delta := calls[0].payload.(dispatchDelta)
	if delta.UserID != "u1" || !reflect.DeepEqual(delta.NewData, map[string]any{"isAvailable": false}) {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestDispatcher_MalformedPayloadIgnored(t *testing.T) {
	fx := newFixture()
	fx.users.seed("u1", "alice", false)
	s := sessionFor("u1", false)

	fx.d.handle(context.Background(), s, Frame{Event: CmdAvailable, Data: json.RawMessage(`"not an object"`)})
	fx.d.handle(context.Background(), s, Frame{Event: CmdAvailableOther})

	if n := fx.users.writeCount(); n != 0 {
		t.Fatalf("malformed payload caused %d writes", n)
	}
	if calls := fx.pub.all(); len(calls) != 0 {
		t.Fatalf("malformed payload caused broadcasts: %+v", calls)
	}
}

func TestDispatcher_UnknownCommandIgnored(t *testing.T) {
	fx := newFixture()
	s := sessionFor("u1", false)

	fx.d.handle(context.Background(), s, Frame{Event: "selfDestruct"})

	if calls := fx.pub.all(); len(calls) != 0 {
		t.Fatalf("unknown command caused broadcasts")
	}
}

// Guard the error contract the handlers rely on.
func TestStubRepoNotFound(t *testing.T) {
	r := newStubUserRepo()
	if err := r.UpdateOne(context.Background(), "nope", map[string]any{"note": "x"}); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
