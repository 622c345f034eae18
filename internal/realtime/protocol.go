package realtime

import (
	"encoding/json"

	"github.com/lsmic/dispatch/internal/core/domain"
)

// Frame is the wire unit of the realtime protocol: a named event and its
// JSON payload. Event names and payload field casings are a compatibility
// surface shared with deployed consoles and must not drift.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Commands accepted from clients.
const (
	CmdAuth             = "auth"
	CmdGetDispatch      = "getDispatch"
	CmdGetAllBadges     = "getAllBadges"
	CmdGetAllRanks      = "getAllRanks"
	CmdGetAllServices   = "getAllServices"
	CmdGetLastInfos     = "getLastInfos"
	CmdAvailable        = "available"
	CmdAvailableOther   = "availableOther"
	CmdUpdateUser       = "updateUser"
	CmdUpdateOtherUser  = "updateOtherUser"
	CmdUpdateMultiUsers = "updateMultiUsers"
	CmdStartPatrol      = "startPatrol"
	CmdDeleteUser       = "deleteUser"
	CmdCreateBadge      = "createBadge"
	CmdDeleteBadge      = "deleteBadge"
	CmdEditBadge        = "editBadge"
	CmdCreateRank       = "createRank"
	CmdDeleteRank       = "deleteRank"
	CmdEditRank         = "editRank"
	CmdCreateService    = "createService"
	CmdDeleteService    = "deleteService"
	CmdEditService      = "editService"
	CmdEditInfos        = "editInfos"
)

// knownCommands bounds the command metric's label space to the wire
// vocabulary. Event names arrive client-controlled; anything outside the
// catalog is counted under one fixed label instead of minting a time series
// per arbitrary string.
var knownCommands = map[string]struct{}{
	CmdGetDispatch:      {},
	CmdGetAllBadges:     {},
	CmdGetAllRanks:      {},
	CmdGetAllServices:   {},
	CmdGetLastInfos:     {},
	CmdAvailable:        {},
	CmdAvailableOther:   {},
	CmdUpdateUser:       {},
	CmdUpdateOtherUser:  {},
	CmdUpdateMultiUsers: {},
	CmdStartPatrol:      {},
	CmdDeleteUser:       {},
	CmdCreateBadge:      {},
	CmdDeleteBadge:      {},
	CmdEditBadge:        {},
	CmdCreateRank:       {},
	CmdDeleteRank:       {},
	CmdEditRank:         {},
	CmdCreateService:    {},
	CmdDeleteService:    {},
	CmdEditService:      {},
	CmdEditInfos:        {},
}

// Events pushed to clients. Reads and acks reuse the command name; these are
// the server-initiated ones.
const (
	EventConnectUser    = "connectUser"
	EventDisconnectUser = "disconnectUser"
	EventDispatchDelta  = "updateOtherDispatchUser"
	EventAllUsers       = "getAllUsers"
	EventNewBadge       = "newBadge"
	EventNewRank        = "newRank"
	EventNewService     = "newService"
)

type authPayload struct {
	Token string `json:"token" validate:"required"`
}

type availablePayload struct {
	State bool `json:"state"`
}

type availableOtherPayload struct {
	ID    string `json:"id" validate:"required"`
	State bool   `json:"state"`
}

type updateOtherUserPayload struct {
	ID      string         `json:"id" validate:"required"`
	NewData map[string]any `json:"newData" validate:"required"`
}

type updateMultiUsersPayload struct {
	Filter  map[string]any `json:"filter"`
	NewData map[string]any `json:"newData" validate:"required"`
}

type startPatrolPayload struct {
	Patrol string   `json:"patrol" validate:"required"`
	Mates  []string `json:"mates"`
}

type catalogCreatePayload struct {
	Label string `json:"label" validate:"required"`
	Color string `json:"color" validate:"required"`
}

// dispatchSnapshot is the full-state reply to getDispatch.
type dispatchSnapshot struct {
	Members  []*domain.User       `json:"members"`
	Badges   []domain.CatalogItem `json:"badges"`
	Ranks    []domain.CatalogItem `json:"ranks"`
	Services []domain.CatalogItem `json:"services"`
}

// dispatchDelta is the partial-state broadcast describing one user's change.
type dispatchDelta struct {
	UserID  string         `json:"userId"`
	NewData map[string]any `json:"newData,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
}

// catalogWire maps a catalog kind to its wire vocabulary: the id field used
// by delete/edit payloads, the creation event, and the refresh event.
type catalogWire struct {
	idField   string
	created   string
	refreshed string
}

var catalogWires = map[domain.CatalogKind]catalogWire{
	domain.KindBadge:   {idField: "badgeId", created: EventNewBadge, refreshed: CmdGetAllBadges},
	domain.KindRank:    {idField: "rankId", created: EventNewRank, refreshed: CmdGetAllRanks},
	domain.KindService: {idField: "serviceId", created: EventNewService, refreshed: CmdGetAllServices},
}
