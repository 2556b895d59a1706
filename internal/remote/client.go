// Package remote is the transport to the remote ledger service: a Connect
// client with one unary procedure per entity and operation type, and an
// in-memory reference server implementing the same contract.
package remote

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

// Client is what the sync engine needs from the remote service.
type Client interface {
	// Apply sends one mutation. A nil error is a confirmed success.
	Apply(ctx context.Context, m payload.Mutation) error

	FetchExpense(ctx context.Context, id string) (*payload.ExpenseSnapshot, error)
	FetchGroup(ctx context.Context, id string) (*models.Group, error)
	FetchSettlement(ctx context.Context, id string) (*models.Settlement, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// Ensure ConnectClient implements Client
var _ Client = (*ConnectClient)(nil)

// ConnectClient implements Client over Connect with the JSON codec.
type ConnectClient struct {
	createExpense *connect.Client[ExpenseRequest, Ack]
	updateExpense *connect.Client[ExpenseRequest, Ack]
	deleteExpense *connect.Client[IDRequest, Ack]
	getExpense    *connect.Client[IDRequest, ExpenseRequest]

	createGroup *connect.Client[GroupRequest, Ack]
	updateGroup *connect.Client[GroupRequest, Ack]
	deleteGroup *connect.Client[IDRequest, Ack]
	getGroup    *connect.Client[IDRequest, GroupRequest]

	createSettlement *connect.Client[SettlementRequest, Ack]
	updateSettlement *connect.Client[SettlementRequest, Ack]
	deleteSettlement *connect.Client[IDRequest, Ack]
	getSettlement    *connect.Client[IDRequest, SettlementRequest]

	ping *connect.Client[PingRequest, PingResponse]
}

// NewConnectClient creates a client for the service at baseURL. Extra
// options (interceptors, timeouts) apply to every procedure.
func NewConnectClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ConnectClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)

	return &ConnectClient{
		createExpense: connect.NewClient[ExpenseRequest, Ack](httpClient, baseURL+ProcCreateExpense, opts...),
		updateExpense: connect.NewClient[ExpenseRequest, Ack](httpClient, baseURL+ProcUpdateExpense, opts...),
		deleteExpense: connect.NewClient[IDRequest, Ack](httpClient, baseURL+ProcDeleteExpense, opts...),
		getExpense:    connect.NewClient[IDRequest, ExpenseRequest](httpClient, baseURL+ProcGetExpense, opts...),

		createGroup: connect.NewClient[GroupRequest, Ack](httpClient, baseURL+ProcCreateGroup, opts...),
		updateGroup: connect.NewClient[GroupRequest, Ack](httpClient, baseURL+ProcUpdateGroup, opts...),
		deleteGroup: connect.NewClient[IDRequest, Ack](httpClient, baseURL+ProcDeleteGroup, opts...),
		getGroup:    connect.NewClient[IDRequest, GroupRequest](httpClient, baseURL+ProcGetGroup, opts...),

		createSettlement: connect.NewClient[SettlementRequest, Ack](httpClient, baseURL+ProcCreateSettlement, opts...),
		updateSettlement: connect.NewClient[SettlementRequest, Ack](httpClient, baseURL+ProcUpdateSettlement, opts...),
		deleteSettlement: connect.NewClient[IDRequest, Ack](httpClient, baseURL+ProcDeleteSettlement, opts...),
		getSettlement:    connect.NewClient[IDRequest, SettlementRequest](httpClient, baseURL+ProcGetSettlement, opts...),

		ping: connect.NewClient[PingRequest, PingResponse](httpClient, baseURL+ProcPing, opts...),
	}
}

// Apply sends m to the procedure for its entity and operation type.
func (c *ConnectClient) Apply(ctx context.Context, m payload.Mutation) error {
	var err error

	switch v := m.(type) {
	case payload.CreateExpense:
		_, err = call(ctx, c.createExpense, &v.Snapshot)
	case payload.UpdateExpense:
		_, err = call(ctx, c.updateExpense, &v.Snapshot)
	case payload.DeleteExpense:
		_, err = call(ctx, c.deleteExpense, &IDRequest{ID: v.ID})
	case payload.CreateGroup:
		_, err = call(ctx, c.createGroup, &v.Group)
	case payload.UpdateGroup:
		_, err = call(ctx, c.updateGroup, &v.Group)
	case payload.DeleteGroup:
		_, err = call(ctx, c.deleteGroup, &IDRequest{ID: v.ID})
	case payload.CreateSettlement:
		_, err = call(ctx, c.createSettlement, &v.Settlement)
	case payload.UpdateSettlement:
		_, err = call(ctx, c.updateSettlement, &v.Settlement)
	case payload.DeleteSettlement:
		_, err = call(ctx, c.deleteSettlement, &IDRequest{ID: v.ID})
	default:
		return fmt.Errorf("remote: unsupported mutation %T", m)
	}

	return err
}

func (c *ConnectClient) FetchExpense(ctx context.Context, id string) (*payload.ExpenseSnapshot, error) {
	return call(ctx, c.getExpense, &IDRequest{ID: id})
}

func (c *ConnectClient) FetchGroup(ctx context.Context, id string) (*models.Group, error) {
	return call(ctx, c.getGroup, &IDRequest{ID: id})
}

func (c *ConnectClient) FetchSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	return call(ctx, c.getSettlement, &IDRequest{ID: id})
}

func (c *ConnectClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c.ping, &PingRequest{})
	return err
}

func call[Req, Res any](ctx context.Context, client *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnect(err)
	}
	return resp.Msg, nil
}
