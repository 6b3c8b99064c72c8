package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"escrowflow/auth"
	"escrowflow/custody"
	"escrowflow/escrow"
	"escrowflow/metrics"
)

type contextKey string

const principalKey contextKey = "principal"

type principal struct {
	ID   string
	Role auth.Role
}

// server exposes the escrow command surface over HTTP.
type server struct {
	orders           *escrow.Service
	ledger           custody.Ledger
	auth             *auth.Service
	metrics          *metrics.Metrics
	logger           *slog.Logger
	now              func() time.Time
	sweepConcurrency int
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/principals", s.handleRegister)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/orders", s.handleCreateOrder)
			r.Get("/orders", s.handleListOrders)
			r.Get("/orders/{id}", s.handleGetOrder)
			r.Get("/orders/{id}/history", s.handleHistory)
			r.Post("/orders/{id}/{instruction}", s.handleInstruction)
			r.Get("/balances/{owner}", s.handleBalance)

			r.Group(func(r chi.Router) {
				r.Use(requireOperator)
				r.Post("/admin/principals", s.handleCreatePrincipal)
				r.Post("/deposits", s.handleDeposit)
				r.Post("/sweep", s.handleSweep)
			})
		})
	})
	return r
}

// observe logs and counts every request by its route pattern.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, status)
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "missing bearer token")
			return
		}
		id, role, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller(r).Role != auth.RoleOperator {
			writeError(w, http.StatusForbidden, "Unauthorized", "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey).(principal)
	return p
}

// handleRegister is open to anyone and only ever creates traders.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.auth.SignUp(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	p.PasswordHash = ""
	writeJSON(w, http.StatusCreated, p)
}

// handleCreatePrincipal lets an operator create a principal with any role.
func (s *server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	p.PasswordHash = ""
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createOrderRequest struct {
	escrow.CreateOrderParams
	Now *time.Time `json:"now,omitempty"`
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decode(w, r, &req) {
		return
	}
	params := req.CreateOrderParams
	params.Importer = caller(r).ID

	order, err := s.orders.CreateOrder(r.Context(), params, s.clock(r, req.Now))
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := escrow.Filter{Principal: caller(r).ID}

	switch role := escrow.Role(q.Get("role")); role {
	case escrow.RoleNone, escrow.RoleImporter, escrow.RoleExporter, escrow.RoleVerifier:
		filter.Role = role
	default:
		writeError(w, http.StatusBadRequest, "BadRequest", "unknown role "+strconv.Quote(string(role)))
		return
	}
	for _, name := range q["state"] {
		state, err := escrow.ParseState(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	orders, err := s.orders.List(r.Context(), filter)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	if orders == nil {
		orders = []escrow.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	order, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}
	entries, err := s.orders.History(r.Context(), order.ID)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// visibleOrder loads the order named in the path if the caller is one of its
// parties or an operator.
func (s *server) visibleOrder(w http.ResponseWriter, r *http.Request) (escrow.Order, bool) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEscrowError(w, r, err)
		return escrow.Order{}, false
	}
	p := caller(r)
	if p.Role != auth.RoleOperator && order.RoleOf(p.ID) == escrow.RoleNone {
		s.writeEscrowError(w, r, escrow.ErrUnauthorized)
		return escrow.Order{}, false
	}
	return order, true
}

type instructionRequest struct {
	escrow.Args
	Now *time.Time `json:"now,omitempty"`
}

// instructionRoutes maps URL slugs onto escrow instruction names.
var instructionRoutes = map[string]string{
	"approve-deadline":  "approveDeadline",
	"propose-deadline":  "proposeNewDeadline",
	"ship":              "shipGoods",
	"confirm-delivery":  "confirmDelivery",
	"check-deadline":    "checkDeadlineAndRefund",
	"partial-release":   "partialReleaseFunds",
	"partial-refund":    "partialRefund",
	"request-extension": "requestDeadlineExtension",
	"approve-extension": "approveDeadlineExtension",
	"reject-extension":  "rejectDeadlineExtension",
	"dispute":           "disputeOrder",
	"resolve-dispute":   "resolveDispute",
	"metadata":          "updateOrderMetadata",
}

func (s *server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "instruction")
	name, ok := instructionRoutes[slug]
	if !ok {
		writeError(w, http.StatusNotFound, "UnknownInstruction", "unknown instruction "+strconv.Quote(slug))
		return
	}
	var req instructionRequest
	if !decode(w, r, &req) {
		return
	}
	cmd, err := escrow.NewCommand(name, caller(r).ID, req.Args)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	order, err := s.orders.Execute(r.Context(), chi.URLParam(r, "id"), cmd, s.clock(r, req.Now))
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Mint   string `json:"mint,omitempty"`
	Amount uint64 `json:"amount"`
}

func (s *server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	asset := custody.Native()
	if req.Mint != "" {
		asset = custody.Token(req.Mint)
	}
	if req.Amount == 0 {
		writeError(w, http.StatusUnprocessableEntity, "InvalidAmount", "deposit amount must be positive")
		return
	}
	if err := s.ledger.Deposit(r.Context(), req.Owner, asset, req.Amount); err != nil {
		if errors.Is(err, custody.ErrInvalidAccount) || errors.Is(err, custody.ErrAssetMismatch) {
			writeError(w, http.StatusUnprocessableEntity, "InvalidAccount", err.Error())
			return
		}
		s.writeEscrowError(w, r, err)
		return
	}
	s.writeBalance(w, r, req.Owner, asset)
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if p := caller(r); p.Role != auth.RoleOperator && p.ID != owner {
		s.writeEscrowError(w, r, escrow.ErrUnauthorized)
		return
	}
	asset := custody.Native()
	if mint := r.URL.Query().Get("mint"); mint != "" {
		asset = custody.Token(mint)
	}
	s.writeBalance(w, r, owner, asset)
}

func (s *server) writeBalance(w http.ResponseWriter, r *http.Request, owner string, asset custody.Asset) {
	amount, err := s.ledger.Balance(r.Context(), owner, asset)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":  owner,
		"asset":  asset,
		"amount": amount,
	})
}

type sweepRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orders.SweepExpired(r.Context(), s.clock(r, req.Now), s.sweepConcurrency)
	if err != nil {
		s.writeEscrowError(w, r, err)
		return
	}
	s.metrics.AddSweepRefunds(len(res.Refunded))
	writeJSON(w, http.StatusOK, res)
}

// clock returns the instant a command is evaluated at. Only operators may
// supply their own timestamp; everyone else gets the server clock.
func (s *server) clock(r *http.Request, requested *time.Time) time.Time {
	if requested == nil || requested.IsZero() {
		return s.now()
	}
	if p := caller(r); p.Role != auth.RoleOperator {
		s.logger.LogAttrs(r.Context(), slog.LevelDebug, "ignoring client clock",
			slog.String("principal", p.ID),
			slog.Time("requested", *requested),
		)
		return s.now()
	}
	return *requested
}

// decode reads an optional JSON body. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func statusFor(kind string) int {
	switch kind {
	case "Unauthorized":
		return http.StatusForbidden
	case "OrderNotFound":
		return http.StatusNotFound
	case "InsufficientFunds":
		return http.StatusPaymentRequired
	case "DeadlineTooShort", "DeadlineTooLong", "InvalidPartialAmount", "MetadataInvalid",
		"InvalidParties", "InvalidAmount", "InvalidSettlement", "InvalidEvidence", "TextTooLong":
		return http.StatusUnprocessableEntity
	case "InvalidState", "DeadlinePassed", "DeadlineNotApproved", "TooEarlyForRefund",
		"ExtensionAlreadyRequested", "ExtensionRequestNotFound", "OrderExists":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

func (s *server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "InvalidCredentials", err.Error())
	case errors.Is(err, auth.ErrDuplicatePrincipal):
		writeError(w, http.StatusConflict, "DuplicatePrincipal", err.Error())
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidPrincipal):
		writeError(w, http.StatusUnprocessableEntity, "InvalidPrincipal", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "auth request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
