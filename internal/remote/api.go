package remote

import (
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

// Procedure paths. There is one unary procedure per entity type and
// operation type pair, plus reads and a health check.
const (
	ProcCreateExpense = "/splitledger.v1.ExpenseService/CreateExpense"
	ProcUpdateExpense = "/splitledger.v1.ExpenseService/UpdateExpense"
	ProcDeleteExpense = "/splitledger.v1.ExpenseService/DeleteExpense"
	ProcGetExpense    = "/splitledger.v1.ExpenseService/GetExpense"

	ProcCreateGroup = "/splitledger.v1.GroupService/CreateGroup"
	ProcUpdateGroup = "/splitledger.v1.GroupService/UpdateGroup"
	ProcDeleteGroup = "/splitledger.v1.GroupService/DeleteGroup"
	ProcGetGroup    = "/splitledger.v1.GroupService/GetGroup"

	ProcCreateSettlement = "/splitledger.v1.SettlementService/CreateSettlement"
	ProcUpdateSettlement = "/splitledger.v1.SettlementService/UpdateSettlement"
	ProcDeleteSettlement = "/splitledger.v1.SettlementService/DeleteSettlement"
	ProcGetSettlement    = "/splitledger.v1.SettlementService/GetSettlement"

	ProcPing = "/splitledger.v1.HealthService/Ping"
)

// IDRequest addresses an entity by ID (deletes and reads).
type IDRequest struct {
	ID string `json:"id"`
}

// Ack confirms a write.
type Ack struct {
	ID string `json:"id"`
}

// PingRequest is the empty health check request.
type PingRequest struct{}

// PingResponse reports the caller's identity when a valid token was sent.
type PingResponse struct {
	UserID     string `json:"user_id,omitempty"`
	ServerTime int64  `json:"server_time"`
}

// Request bodies for writes are the entity snapshots themselves.
type (
	ExpenseRequest    = payload.ExpenseSnapshot
	GroupRequest      = models.Group
	SettlementRequest = models.Settlement
)
