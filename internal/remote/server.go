package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/mmynk/splitledger/internal/auth"
	"github.com/mmynk/splitledger/internal/middleware"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/payload"
)

// FaultFunc lets tests fail or stall a procedure before it runs. Returning
// nil lets the call through.
type FaultFunc func(ctx context.Context, procedure string) error

// Server is an in-memory reference implementation of the remote service.
// Writes are idempotent: creates and updates are upserts keyed by ID, and
// deleting a missing entity succeeds. Updating a missing entity is NotFound.
type Server struct {
	mu          sync.Mutex
	expenses    map[string]payload.ExpenseSnapshot
	groups      map[string]models.Group
	settlements map[string]models.Settlement
	calls       map[string]int

	faults FaultFunc
	jwt    *auth.JWTManager
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth requires a valid bearer token on every write and read.
func WithAuth(jwtManager *auth.JWTManager) ServerOption {
	return func(s *Server) { s.jwt = jwtManager }
}

// WithFaults installs a fault hook.
func WithFaults(f FaultFunc) ServerOption {
	return func(s *Server) { s.faults = f }
}

// NewServer creates an empty reference server.
func NewServer(logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		expenses:    make(map[string]payload.ExpenseSnapshot),
		groups:      make(map[string]models.Group),
		settlements: make(map[string]models.Settlement),
		calls:       make(map[string]int),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler serving every procedure.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	logging := middleware.LoggingInterceptor(s.logger)
	interceptors := []connect.Interceptor{logging}
	pingInterceptors := []connect.Interceptor{logging}
	if s.jwt != nil {
		interceptors = append(interceptors, middleware.RequireAuth(s.jwt))
		pingInterceptors = append(pingInterceptors, middleware.OptionalAuth(s.jwt))
	}

	opts := []connect.HandlerOption{connect.WithCodec(Codec{}), connect.WithInterceptors(interceptors...)}

	handle(s, mux, ProcCreateExpense, s.createExpense, opts...)
	handle(s, mux, ProcUpdateExpense, s.updateExpense, opts...)
	handle(s, mux, ProcDeleteExpense, s.deleteExpense, opts...)
	handle(s, mux, ProcGetExpense, s.getExpense, opts...)

	handle(s, mux, ProcCreateGroup, s.createGroup, opts...)
	handle(s, mux, ProcUpdateGroup, s.updateGroup, opts...)
	handle(s, mux, ProcDeleteGroup, s.deleteGroup, opts...)
	handle(s, mux, ProcGetGroup, s.getGroup, opts...)

	handle(s, mux, ProcCreateSettlement, s.createSettlement, opts...)
	handle(s, mux, ProcUpdateSettlement, s.updateSettlement, opts...)
	handle(s, mux, ProcDeleteSettlement, s.deleteSettlement, opts...)
	handle(s, mux, ProcGetSettlement, s.getSettlement, opts...)

	handle(s, mux, ProcPing, s.ping,
		connect.WithCodec(Codec{}), connect.WithInterceptors(pingInterceptors...))

	return mux
}

// Calls returns how many times a procedure reached the server, including
// calls rejected by the fault hook.
func (s *Server) Calls(procedure string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[procedure]
}

// PutExpense stores an expense directly, bypassing validation. Tests use it
// to simulate edits made elsewhere.
func (s *Server) PutExpense(snap payload.ExpenseSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenses[snap.Expense.ID] = snap
}

// Expense returns the stored expense.
func (s *Server) Expense(id string) (payload.ExpenseSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.expenses[id]
	return snap, ok
}

// Group returns the stored group.
func (s *Server) Group(id string) (models.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok
}

// Settlement returns the stored settlement.
func (s *Server) Settlement(id string) (models.Settlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[id]
	return st, ok
}

func handle[Req, Res any](
	s *Server, mux *http.ServeMux, procedure string,
	fn func(context.Context, *Req) (*Res, error), opts ...connect.HandlerOption,
) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			s.mu.Lock()
			s.calls[procedure]++
			faults := s.faults
			s.mu.Unlock()

			if faults != nil {
				if err := faults(ctx, procedure); err != nil {
					return nil, err
				}
			}

			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	))
}

func invalid(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

func notFound(kind, id string) error {
	return connect.NewError(connect.CodeNotFound, fmt.Errorf("%s %s not found", kind, id))
}

func (s *Server) validateExpense(snap *payload.ExpenseSnapshot) error {
	e := snap.Expense
	if e.ID == "" || e.GroupID == "" || e.PayerID == "" {
		return invalid("expense requires id, group_id and payer_id")
	}
	if !e.Amount.IsPositive() {
		return invalid("expense amount must be positive")
	}
	if len(snap.Splits) == 0 {
		return invalid("expense requires at least one split")
	}

	seen := make(map[string]bool, len(snap.Splits))
	for _, sp := range snap.Splits {
		if sp.UserID == "" || seen[sp.UserID] {
			return invalid("split users must be unique and non-empty")
		}
		seen[sp.UserID] = true
		if !sp.Amount.IsPositive() {
			return invalid("split for %s must be positive", sp.UserID)
		}
		if sp.ExpenseID != "" && sp.ExpenseID != e.ID {
			return invalid("split for %s belongs to another expense", sp.UserID)
		}
	}

	if sum := models.SumSplits(snap.Splits); !sum.Equal(e.Amount) {
		return invalid("splits sum to %s, expense amount is %s", models.FormatMoney(sum), models.FormatMoney(e.Amount))
	}

	if _, ok := s.groups[e.GroupID]; !ok {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("group %s does not exist", e.GroupID))
	}
	return nil
}

func (s *Server) createExpense(_ context.Context, req *ExpenseRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateExpense(req); err != nil {
		return nil, err
	}
	s.expenses[req.Expense.ID] = *req
	return &Ack{ID: req.Expense.ID}, nil
}

func (s *Server) updateExpense(_ context.Context, req *ExpenseRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expenses[req.Expense.ID]; !ok {
		return nil, notFound("expense", req.Expense.ID)
	}
	if err := s.validateExpense(req); err != nil {
		return nil, err
	}
	s.expenses[req.Expense.ID] = *req
	return &Ack{ID: req.Expense.ID}, nil
}

func (s *Server) deleteExpense(_ context.Context, req *IDRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expenses, req.ID)
	return &Ack{ID: req.ID}, nil
}

func (s *Server) getExpense(_ context.Context, req *IDRequest) (*ExpenseRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.expenses[req.ID]
	if !ok {
		return nil, notFound("expense", req.ID)
	}
	return &snap, nil
}

func validateGroup(g *models.Group) error {
	if g.ID == "" || g.Name == "" {
		return invalid("group requires id and name")
	}
	if len(g.Members) == 0 {
		return invalid("group requires at least one member")
	}
	return nil
}

func (s *Server) createGroup(_ context.Context, req *GroupRequest) (*Ack, error) {
	if err := validateGroup(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[req.ID] = *req
	return &Ack{ID: req.ID}, nil
}

func (s *Server) updateGroup(_ context.Context, req *GroupRequest) (*Ack, error) {
	if err := validateGroup(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[req.ID]; !ok {
		return nil, notFound("group", req.ID)
	}
	s.groups[req.ID] = *req
	return &Ack{ID: req.ID}, nil
}

// deleteGroup removes the group with its expenses and settlements.
func (s *Server) deleteGroup(_ context.Context, req *IDRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, req.ID)
	for id, e := range s.expenses {
		if e.Expense.GroupID == req.ID {
			delete(s.expenses, id)
		}
	}
	for id, st := range s.settlements {
		if st.GroupID == req.ID {
			delete(s.settlements, id)
		}
	}
	return &Ack{ID: req.ID}, nil
}

func (s *Server) getGroup(_ context.Context, req *IDRequest) (*GroupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[req.ID]
	if !ok {
		return nil, notFound("group", req.ID)
	}
	return &g, nil
}

func (s *Server) validateSettlement(st *models.Settlement) error {
	if st.ID == "" || st.GroupID == "" || st.FromUserID == "" || st.ToUserID == "" {
		return invalid("settlement requires id, group_id, from and to")
	}
	if st.FromUserID == st.ToUserID {
		return invalid("settlement cannot be paid to oneself")
	}
	if !st.Amount.GreaterThan(decimal.Zero) {
		return invalid("settlement amount must be positive")
	}
	if _, ok := s.groups[st.GroupID]; !ok {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("group %s does not exist", st.GroupID))
	}
	return nil
}

func (s *Server) createSettlement(_ context.Context, req *SettlementRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateSettlement(req); err != nil {
		return nil, err
	}
	s.settlements[req.ID] = *req
	return &Ack{ID: req.ID}, nil
}

func (s *Server) updateSettlement(_ context.Context, req *SettlementRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[req.ID]; !ok {
		return nil, notFound("settlement", req.ID)
	}
	if err := s.validateSettlement(req); err != nil {
		return nil, err
	}
	s.settlements[req.ID] = *req
	return &Ack{ID: req.ID}, nil
}

func (s *Server) deleteSettlement(_ context.Context, req *IDRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settlements, req.ID)
	return &Ack{ID: req.ID}, nil
}

func (s *Server) getSettlement(_ context.Context, req *IDRequest) (*SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[req.ID]
	if !ok {
		return nil, notFound("settlement", req.ID)
	}
	return &st, nil
}

func (s *Server) ping(ctx context.Context, _ *PingRequest) (*PingResponse, error) {
	return &PingResponse{UserID: middleware.GetUserID(ctx), ServerTime: time.Now().Unix()}, nil
}

// errUnavailable is returned by DownFaults.
var errUnavailable = errors.New("service temporarily unavailable")

// DownFaults returns a fault hook that fails every call with 503 while down
// reports true.
func DownFaults(down func() bool) FaultFunc {
	return func(context.Context, string) error {
		if down() {
			return connect.NewError(connect.CodeUnavailable, errUnavailable)
		}
		return nil
	}
}
