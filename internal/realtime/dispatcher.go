package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lsmic/dispatch/internal/api/metrics"
	"github.com/lsmic/dispatch/internal/core/domain"
	"github.com/lsmic/dispatch/internal/core/ports"
)

var errMalformedFrame = errors.New("malformed frame")

// Repositories bundles the per-collection façades the dispatcher mutates.
type Repositories struct {
	Users    ports.UserRepository
	Badges   ports.CatalogRepository
	Ranks    ports.CatalogRepository
	Services ports.CatalogRepository
	Infos    ports.InfoRepository
}

func (r Repositories) catalog(kind domain.CatalogKind) ports.CatalogRepository {
	switch kind {
	case domain.KindBadge:
		return r.Badges
	case domain.KindRank:
		return r.Ranks
	default:
		return r.Services
	}
}

// Dispatcher is the protocol state machine. Each session's commands are read
// and resolved strictly in order (gate, then repository, then broadcast);
// sessions progress concurrently and independently of one another.
type Dispatcher struct {
	store    *Store
	pub      Publisher
	repos    Repositories
	validate *validator.Validate
	presence bool
	log      zerolog.Logger
}

// NewDispatcher wires the dispatcher with its collaborators. When presence
// is enabled, a disconnect forces the identity unavailable, broadcast like
// any other availability change.
func NewDispatcher(store *Store, pub Publisher, repos Repositories, presence bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		pub:      pub,
		repos:    repos,
		validate: validator.New(),
		presence: presence,
		log:      log,
	}
}

// ServeSession runs a fully authenticated connection from registration to
// teardown. It blocks until the connection closes.
func (d *Dispatcher) ServeSession(conn *websocket.Conn, identity domain.Identity) {
	ctx := context.Background()
	s := newSession(conn, identity, d.log)

	// Initial snapshot: the session's own record. A token whose user no
	// longer exists is told to disconnect before any registration happens.
	user, err := d.repos.Users.FindByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			_ = conn.WriteMessage(websocket.TextMessage, frameBytes(EventDisconnectUser, nil))
		} else {
			d.log.Error().Err(err).Str("userId", identity.UserID).Msg("load session user")
		}
		_ = conn.Close()
		return
	}

	d.store.Register(s)
	metrics.SessionsActive.Inc()
	d.log.Info().Str("userId", identity.UserID).Bool("isAdmin", identity.IsAdmin).Msg("session registered")

	go s.writePump()
	s.Emit(EventConnectUser, user)

	s.setupRead()
	d.readLoop(ctx, s)

	d.store.Remove(s)
	s.close()
	metrics.SessionsActive.Dec()
	d.log.Info().Str("userId", identity.UserID).Msg("session closed")

	if d.presence {
		d.forceUnavailable(ctx, identity.UserID)
	}
}

// readLoop resolves one command at a time: the next frame is not read until
// the previous command's broadcast has been emitted.
func (d *Dispatcher) readLoop(ctx context.Context, s *Session) {
	for {
		f, err := s.readFrame()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				d.log.Debug().Str("userId", s.identity.UserID).Msg("malformed frame ignored")
				continue
			}
			return
		}
		d.handle(ctx, s, f)
	}
}

func (d *Dispatcher) handle(ctx context.Context, s *Session, f Frame) {
	command := f.Event
	if _, ok := knownCommands[command]; !ok {
		command = "unknown"
	}
	metrics.CommandsTotal.WithLabelValues(command).Inc()

	switch f.Event {
	case CmdGetDispatch:
		d.handleGetDispatch(ctx, s)
	case CmdGetAllBadges:
		d.handleGetCatalog(ctx, s, domain.KindBadge)
	case CmdGetAllRanks:
		d.handleGetCatalog(ctx, s, domain.KindRank)
	case CmdGetAllServices:
		d.handleGetCatalog(ctx, s, domain.KindService)
	case CmdGetLastInfos:
		d.handleGetLastInfos(ctx, s)
	case CmdAvailable:
		d.handleAvailable(ctx, s, f)
	case CmdAvailableOther:
		d.handleAvailableOther(ctx, s, f)
	case CmdUpdateUser:
		d.handleUpdateUser(ctx, s, f)
	case CmdUpdateOtherUser:
		d.handleUpdateOtherUser(ctx, s, f)
	case CmdUpdateMultiUsers:
		d.handleUpdateMultiUsers(ctx, s, f)
	case CmdStartPatrol:
		d.handleStartPatrol(ctx, s, f)
	case CmdDeleteUser:
		d.handleDeleteUser(ctx, s, f)
	case CmdCreateBadge:
		d.handleCatalogCreate(ctx, s, domain.KindBadge, f)
	case CmdDeleteBadge:
		d.handleCatalogDelete(ctx, s, domain.KindBadge, f)
	case CmdEditBadge:
		d.handleCatalogEdit(ctx, s, domain.KindBadge, f)
	case CmdCreateRank:
		d.handleCatalogCreate(ctx, s, domain.KindRank, f)
	case CmdDeleteRank:
		d.handleCatalogDelete(ctx, s, domain.KindRank, f)
	case CmdEditRank:
		d.handleCatalogEdit(ctx, s, domain.KindRank, f)
	case CmdCreateService:
		d.handleCatalogCreate(ctx, s, domain.KindService, f)
	case CmdDeleteService:
		d.handleCatalogDelete(ctx, s, domain.KindService, f)
	case CmdEditService:
		d.handleCatalogEdit(ctx, s, domain.KindService, f)
	case CmdEditInfos:
		d.handleEditInfos(ctx, s, f)
	default:
		d.log.Debug().Str("event", f.Event).Msg("unknown command ignored")
	}
}

// ── Reads ─────────────────────────────────────────────────────────────────────

func (d *Dispatcher) handleGetDispatch(ctx context.Context, s *Session) {
	members, err := d.repos.Users.Find(ctx, nil)
	if err != nil {
		d.fail(s, CmdGetDispatch, err)
		return
	}
	badges, err := d.repos.Badges.FindAll(ctx)
	if err != nil {
		d.fail(s, CmdGetDispatch, err)
		return
	}
	ranks, err := d.repos.Ranks.FindAll(ctx)
	if err != nil {
		d.fail(s, CmdGetDispatch, err)
		return
	}
	services, err := d.repos.Services.FindAll(ctx)
	if err != nil {
		d.fail(s, CmdGetDispatch, err)
		return
	}
	s.Emit(CmdGetDispatch, dispatchSnapshot{
		Members:  members,
		Badges:   badges,
		Ranks:    ranks,
		Services: services,
	})
}

func (d *Dispatcher) handleGetCatalog(ctx context.Context, s *Session, kind domain.CatalogKind) {
	wire := catalogWires[kind]
	items, err := d.repos.catalog(kind).FindAll(ctx)
	if err != nil {
		d.fail(s, wire.refreshed, err)
		return
	}
	s.Emit(wire.refreshed, items)
}

func (d *Dispatcher) handleGetLastInfos(ctx context.Context, s *Session) {
	text := ""
	note, err := d.repos.Infos.Latest(ctx)
	switch {
	case err == nil:
		text = note.Text
	case errors.Is(err, domain.ErrNotFound):
		// empty log reads as an empty note
	default:
		d.fail(s, CmdGetLastInfos, err)
		return
	}
	s.Emit(CmdEditInfos, text)
}

// ── Availability & profile ────────────────────────────────────────────────────

func (d *Dispatcher) handleAvailable(ctx context.Context, s *Session, f Frame) {
	var p availablePayload
	if !d.decodeStruct(s, CmdAvailable, f, &p) {
		return
	}
	if !d.gate(s, CmdAvailable, OpUpdateSelf, s.identity.UserID) {
		return
	}

	patch := map[string]any{"isAvailable": p.State}
	if err := d.repos.Users.UpdateOne(ctx, s.identity.UserID, patch); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.fail(s, CmdAvailable, err)
		return
	}

	s.Emit(CmdAvailable, p.State)
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: s.identity.UserID, NewData: patch})
}

func (d *Dispatcher) handleAvailableOther(ctx context.Context, s *Session, f Frame) {
	var p availableOtherPayload
	if !d.decodeStruct(s, CmdAvailableOther, f, &p) {
		return
	}
	if !d.gate(s, CmdAvailableOther, OpUpdateOther, p.ID) {
		return
	}

	patch := map[string]any{"isAvailable": p.State}
	if err := d.repos.Users.UpdateOne(ctx, p.ID, patch); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.fail(s, CmdAvailableOther, err)
		return
	}

	d.pub.ToRoom(p.ID, CmdAvailable, p.State)
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: p.ID, NewData: patch})
}

func (d *Dispatcher) handleUpdateUser(ctx context.Context, s *Session, f Frame) {
	patch, ok := d.decodeMap(s, CmdUpdateUser, f)
	if !ok {
		return
	}
	if !d.gate(s, CmdUpdateUser, OpUpdateSelf, s.identity.UserID) {
		return
	}

	if err := d.repos.Users.UpdateOne(ctx, s.identity.UserID, patch); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.fail(s, CmdUpdateUser, err)
		return
	}

	s.Emit(CmdUpdateUser, patch)
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: s.identity.UserID, NewData: patch})
}

func (d *Dispatcher) handleUpdateOtherUser(ctx context.Context, s *Session, f Frame) {
	var p updateOtherUserPayload
	if !d.decodeStruct(s, CmdUpdateOtherUser, f, &p) {
		return
	}
	if !d.gate(s, CmdUpdateOtherUser, OpUpdateOther, p.ID) {
		return
	}

	if err := d.repos.Users.UpdateOne(ctx, p.ID, p.NewData); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.fail(s, CmdUpdateOtherUser, err)
		return
	}

	d.pub.ToRoom(p.ID, CmdUpdateUser, p.NewData)
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: p.ID, NewData: p.NewData})
}

func (d *Dispatcher) handleUpdateMultiUsers(ctx context.Context, s *Session, f Frame) {
	var p updateMultiUsersPayload
	if !d.decodeStruct(s, CmdUpdateMultiUsers, f, &p) {
		return
	}
	if !d.gate(s, CmdUpdateMultiUsers, OpUpdateMulti, "") {
		return
	}

	matches, err := d.repos.Users.Find(ctx, p.Filter)
	if err != nil {
		d.fail(s, CmdUpdateMultiUsers, err)
		return
	}

	for _, u := range matches {
		if err := d.repos.Users.UpdateOne(ctx, u.ID, p.NewData); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
			d.log.Error().Err(err).Str("userId", u.ID).Msg("updateMultiUsers: update failed")
			metrics.CommandErrorsTotal.WithLabelValues(CmdUpdateMultiUsers).Inc()
			continue
		}
		d.pub.ToRoom(u.ID, CmdUpdateUser, p.NewData)
	}

	// The refreshed list goes out even when the filter matched nothing.
	all, err := d.repos.Users.Find(ctx, nil)
	if err != nil {
		d.fail(s, CmdUpdateMultiUsers, err)
		return
	}
	d.pub.Global(EventAllUsers, all)
}

func (d *Dispatcher) handleStartPatrol(ctx context.Context, s *Session, f Frame) {
	var p startPatrolPayload
	if !d.decodeStruct(s, CmdStartPatrol, f, &p) {
		return
	}
	if !d.gate(s, CmdStartPatrol, OpStartPatrol, s.identity.UserID) {
		return
	}

	// Mates plus the caller, deduplicated: one delta per affected user.
	ids := make([]string, 0, len(p.Mates)+1)
	seen := make(map[string]struct{}, len(p.Mates)+1)
	for _, id := range append(p.Mates, s.identity.UserID) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	patch := map[string]any{"badges": []string{p.Patrol}}
	if _, err := d.repos.Users.UpdateMany(ctx, ids, patch); err != nil {
		d.fail(s, CmdStartPatrol, err)
		return
	}

	for _, id := range ids {
		d.pub.ToRoom(id, CmdUpdateUser, patch)
		d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: id, NewData: patch})
	}
}

func (d *Dispatcher) handleDeleteUser(ctx context.Context, s *Session, f Frame) {
	filter, ok := d.decodeMap(s, CmdDeleteUser, f)
	if !ok {
		return
	}
	if !d.gate(s, CmdDeleteUser, OpDeleteUser, "") {
		return
	}

	targetID, _ := filter["_id"].(string)
	if targetID == "" {
		targetID, _ = filter["id"].(string)
	}

	if err := d.repos.Users.DeleteOne(ctx, filter); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.fail(s, CmdDeleteUser, err)
		return
	}

	d.pub.ToRoom(targetID, EventDisconnectUser, nil)
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: targetID, Deleted: true})
}

// ── Catalogs & infos ──────────────────────────────────────────────────────────

func (d *Dispatcher) handleCatalogCreate(ctx context.Context, s *Session, kind domain.CatalogKind, f Frame) {
	wire := catalogWires[kind]
	var p catalogCreatePayload
	if !d.decodeStruct(s, f.Event, f, &p) {
		return
	}
	if !d.gate(s, f.Event, OpWriteCatalog, "") {
		return
	}

	item, err := d.repos.catalog(kind).Insert(ctx, p.Label, p.Color)
	if err != nil {
		d.fail(s, f.Event, err)
		return
	}
	d.pub.Global(wire.created, item)
}

func (d *Dispatcher) handleCatalogDelete(ctx context.Context, s *Session, kind domain.CatalogKind, f Frame) {
	wire := catalogWires[kind]
	payload, ok := d.decodeMap(s, f.Event, f)
	if !ok {
		return
	}
	if !d.gate(s, f.Event, OpWriteCatalog, "") {
		return
	}

	id, _ := payload[wire.idField].(string)
	if err := d.repos.catalog(kind).DeleteOne(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.fail(s, f.Event, err)
		return
	}
	d.refreshCatalog(ctx, s, kind)
}

func (d *Dispatcher) handleCatalogEdit(ctx context.Context, s *Session, kind domain.CatalogKind, f Frame) {
	wire := catalogWires[kind]
	payload, ok := d.decodeMap(s, f.Event, f)
	if !ok {
		return
	}
	if !d.gate(s, f.Event, OpWriteCatalog, "") {
		return
	}

	id, _ := payload[wire.idField].(string)
	patch, _ := payload["data"].(map[string]any)
	if len(patch) == 0 {
		return
	}
	if err := d.repos.catalog(kind).UpdateOne(ctx, id, patch); err != nil && !errors.Is(err, domain.ErrNotFound) {
		d.fail(s, f.Event, err)
		return
	}
	d.refreshCatalog(ctx, s, kind)
}

// refreshCatalog re-reads a collection and broadcasts the full refreshed
// list globally, the fan-out shape shared by catalog edits and deletions.
func (d *Dispatcher) refreshCatalog(ctx context.Context, s *Session, kind domain.CatalogKind) {
	wire := catalogWires[kind]
	items, err := d.repos.catalog(kind).FindAll(ctx)
	if err != nil {
		d.fail(s, wire.refreshed, err)
		return
	}
	d.pub.Global(wire.refreshed, items)
}

func (d *Dispatcher) handleEditInfos(ctx context.Context, s *Session, f Frame) {
	var text string
	if len(f.Data) == 0 || json.Unmarshal(f.Data, &text) != nil {
		d.log.Debug().Str("command", CmdEditInfos).Msg("malformed payload ignored")
		return
	}
	if !d.gate(s, CmdEditInfos, OpWriteInfos, "") {
		return
	}

	note, err := d.repos.Infos.Append(ctx, text)
	if err != nil {
		d.fail(s, CmdEditInfos, err)
		return
	}
	d.pub.Global(CmdEditInfos, note.Text)
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// forceUnavailable marks the identity unavailable on disconnect, broadcast
// exactly like a client-initiated availability change.
func (d *Dispatcher) forceUnavailable(ctx context.Context, userID string) {
	patch := map[string]any{"isAvailable": false}
	if err := d.repos.Users.UpdateOne(ctx, userID, patch); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		d.log.Error().Err(err).Str("userId", userID).Msg("presence teardown failed")
		return
	}
	d.pub.Global(EventDispatchDelta, dispatchDelta{UserID: userID, NewData: patch})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// gate runs the authorization check; denials are silent drops.
func (d *Dispatcher) gate(s *Session, command string, op Operation, target string) bool {
	if Allow(s.identity, op, target) {
		return true
	}
	metrics.CommandsDeniedTotal.WithLabelValues(command).Inc()
	d.log.Debug().
		Str("command", command).
		Str("userId", s.identity.UserID).
		Msg("command denied")
	return false
}

func (d *Dispatcher) decodeStruct(s *Session, command string, f Frame, v any) bool {
	if len(f.Data) == 0 || json.Unmarshal(f.Data, v) != nil || d.validate.Struct(v) != nil {
		d.log.Debug().Str("command", command).Str("userId", s.identity.UserID).Msg("malformed payload ignored")
		return false
	}
	return true
}

func (d *Dispatcher) decodeMap(s *Session, command string, f Frame) (map[string]any, bool) {
	var m map[string]any
	if len(f.Data) == 0 || json.Unmarshal(f.Data, &m) != nil || len(m) == 0 {
		d.log.Debug().Str("command", command).Str("userId", s.identity.UserID).Msg("malformed payload ignored")
		return nil, false
	}
	return m, true
}

// fail logs a repository error and aborts the command without broadcasting.
// The session stays up; the client retries on its own timeout.
func (d *Dispatcher) fail(s *Session, command string, err error) {
	metrics.CommandErrorsTotal.WithLabelValues(command).Inc()
	d.log.Error().Err(err).
		Str("command", command).
		Str("userId", s.identity.UserID).
		Msg("command aborted")
}
