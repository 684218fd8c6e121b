/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the transaction engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Transactions:
    POST   /api/transaction/deposit   Record a deposit
    POST   /api/transaction/withdraw  Record a withdrawal
    POST   /api/transaction/order     Record a product purchase
    POST   /api/transaction/revert    Revert a prior transaction
    GET    /api/transaction/events    Live SSE feed (events.go)

  Accounts:
    GET    /api/accounts              Grouped active accounts with balances
    POST   /api/accounts              Create account (privileged/permission)
    GET    /api/accounts/{id}         Account detail + recent transactions
    POST   /api/accounts/{id}/close   Close balance (privileged only)

  Products:
    GET    /api/products              Grouped products

  Misc:
    GET    /api/ping                  Liveness probe, echoes on the bus

REQUEST FLOW:
  1. Parse HTTP request
  2. Extract issuer from forwarded headers
  3. Call domain logic (ledger service)
  4. Serialize response
  5. Map domain errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing issuer identity
  - 403: Permission denied, insufficient funds
  - 404: Account/product/transaction not found
  - 409: Already reverted
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - issuer.go: Identity header extraction
  - events.go: SSE stream handler
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/clubtab/ledger-engine/eventstream"
	"github.com/clubtab/ledger-engine/idempotency"
	"github.com/clubtab/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Store   ledger.TxStore
	Events  *eventstream.Registry
	Log     *logrus.Logger
}

// NewHandler creates a new handler around the ledger service.
func NewHandler(service *ledger.Service, events *eventstream.Registry, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service: service,
		Store:   service.Store,
		Events:  events,
		Log:     log,
	}
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// Deposit records a custom deposit.
// POST /api/transaction/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.createCustom(w, r, ledger.ActionDeposit)
}

// Withdraw records a custom withdrawal.
// POST /api/transaction/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.createCustom(w, r, ledger.ActionWithdraw)
}

func (h *Handler) createCustom(w http.ResponseWriter, r *http.Request, action ledger.Action) {
	issuer := issuerFromRequest(r)
	if issuer == nil {
		writeError(w, http.StatusUnauthorized, "Issuer identity required", nil)
		return
	}

	var req CustomTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := ledger.ParseAmount(req.Amount, ledger.DefaultDecimalPlaces)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Service.CreateCustom(r.Context(), ledger.CustomInput{
		Account:        req.Account,
		Amount:         amount,
		Action:         action,
		Issuer:         issuer,
		Reason:         req.Reason,
		IdempotencyKey: idempotency.FromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeTransaction(w, r, tx)
}

// Order records a product purchase.
// POST /api/transaction/order
func (h *Handler) Order(w http.ResponseWriter, r *http.Request) {
	issuer := issuerFromRequest(r)
	if issuer == nil {
		writeError(w, http.StatusUnauthorized, "Issuer identity required", nil)
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Service.CreateOrder(r.Context(), ledger.OrderInput{
		Account:        req.Account,
		Product:        req.Product,
		Issuer:         issuer,
		Quantity:       req.Quantity,
		InvertMember:   req.InvertMember,
		IdempotencyKey: idempotency.FromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeTransaction(w, r, tx)
}

// Revert reverses a prior transaction.
// POST /api/transaction/revert
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	issuer := issuerFromRequest(r)
	if issuer == nil {
		writeError(w, http.StatusUnauthorized, "Issuer identity required", nil)
		return
	}

	var req RevertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Transaction == "" {
		writeError(w, http.StatusBadRequest, "Transaction id is required", nil)
		return
	}

	tx, err := h.Service.Revert(r.Context(), req.Transaction, issuer, idempotency.FromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeTransaction(w, r, tx)
}

// writeTransaction responds 201 with the new transaction id and the
// account's balance after it.
func (h *Handler) writeTransaction(w http.ResponseWriter, r *http.Request, tx *ledger.Transaction) {
	balance, err := ledger.CurrentBalance(r.Context(), h.Store, tx.AccountID)
	if err != nil {
		h.Log.WithError(err).Warn("failed to derive balance for response")
	}
	writeJSON(w, http.StatusCreated, TransactionResponse{
		TransactionID: tx.ID,
		Balance:       newAmountDTO(balance),
	})
}

// Ping echoes a nonce onto the bus so stream clients can verify liveness
// end to end.
// GET /api/ping?nonce=...
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")
	h.Events.Publish(ledger.ChannelTransaction, ledger.EventPing, map[string]string{"nonce": nonce}, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "nonce": nonce})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// ListAccounts returns active accounts grouped for display, each with its
// current balance.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accounts, err := h.Store.ListAccounts(ctx, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	// Accounts arrive ordered by (group, display_name); fold into groups.
	var groups []AccountGroupDTO
	for i := range accounts {
		a := &accounts[i]
		balance, err := ledger.CurrentBalance(ctx, h.Store, a.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to derive balance", err)
			return
		}
		dto := newAccountDTO(a)
		b := newAmountDTO(balance)
		dto.Balance = &b

		if len(groups) == 0 || groups[len(groups)-1].Group != a.Group {
			groups = append(groups, AccountGroupDTO{Group: a.Group})
		}
		last := &groups[len(groups)-1]
		last.Accounts = append(last.Accounts, dto)
	}
	if groups == nil {
		groups = []AccountGroupDTO{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// CreateAccount creates an account. Requires the add_account permission,
// or add_permanent_account when the new account is permanent.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	issuer := issuerFromRequest(r)
	if issuer == nil {
		writeError(w, http.StatusUnauthorized, "Issuer identity required", nil)
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required", nil)
		return
	}

	required := ledger.PermAddAccount
	if req.Permanent {
		required = ledger.PermAddPermanentAccount
	}
	if !issuer.HasPermission(required) {
		writeError(w, http.StatusForbidden, "Permission denied", nil)
		return
	}

	var credit ledger.Amount
	if req.Credit != "" {
		var err error
		credit, err = ledger.ParseAmount(req.Credit, ledger.DefaultDecimalPlaces)
		if err != nil || credit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid credit", err)
			return
		}
	}

	account := ledger.Account{
		ID:          ledger.NewAccountID(),
		DisplayName: req.DisplayName,
		FullName:    req.FullName,
		Member:      req.Member,
		Permanent:   req.Permanent,
		Active:      true,
		Credit:      credit,
		Group:       req.Group,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.SaveAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountDTO(&account))
}

// GetAccount returns account detail with its annotated open-period
// transactions (everything since the last balance close).
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))

	account, err := h.Store.GetAccount(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	balance, err := ledger.CurrentBalance(ctx, h.Store, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive balance", err)
		return
	}
	budget, err := ledger.CurrentBudget(ctx, h.Store, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to derive budget", err)
		return
	}

	txs, err := h.Store.UnsettledTransactions(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transactions", err)
		return
	}

	// Avoid handing a typed nil into the interface parameter.
	var issuer ledger.Issuer
	if si := issuerFromRequest(r); si != nil {
		issuer = si
	}
	annotated := h.Service.Annotate(txs, issuer)
	dtos := make([]TransactionDTO, 0, len(annotated))
	for i := range annotated {
		dtos = append(dtos, toTransactionDTO(&annotated[i]))
	}

	writeJSON(w, http.StatusOK, AccountDetailDTO{
		Account:      newAccountDTO(account),
		Balance:      newAmountDTO(balance),
		Budget:       newAmountDTO(budget),
		Transactions: dtos,
	})
}

// CloseBalance snapshots the account's balance and settles its open
// transactions. Privileged only.
// POST /api/accounts/{id}/close
func (h *Handler) CloseBalance(w http.ResponseWriter, r *http.Request) {
	issuer := issuerFromRequest(r)
	if issuer == nil {
		writeError(w, http.StatusUnauthorized, "Issuer identity required", nil)
		return
	}

	id := ledger.AccountID(chi.URLParam(r, "id"))
	snapshot, err := h.Service.CloseBalance(r.Context(), id, issuer)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, BalanceCloseDTO{
		BalanceID:      snapshot.ID,
		ClosingBalance: newAmountDTO(snapshot.ClosingBalance),
		Timestamp:      snapshot.Timestamp.UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// PRODUCT ENDPOINTS
// =============================================================================

// ListProducts returns products grouped for display.
// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list products", err)
		return
	}

	var groups []ProductGroupDTO
	for i := range products {
		p := &products[i]
		if len(groups) == 0 || groups[len(groups)-1].Group != p.Group {
			groups = append(groups, ProductGroupDTO{Group: p.Group})
		}
		last := &groups[len(groups)-1]
		last.Products = append(last.Products, newProductDTO(p))
	}
	if groups == nil {
		groups = []ProductGroupDTO{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// =============================================================================
// HELPERS
// =============================================================================

func toTransactionDTO(at *ledger.AnnotatedTransaction) TransactionDTO {
	return TransactionDTO{
		ID:             at.ID,
		Account:        at.AccountID,
		Amount:         newAmountDTO(at.SignedAmount()),
		Type:           string(at.Type),
		Timestamp:      at.Timestamp.UTC().Format(time.RFC3339),
		Reason:         at.Reason,
		Related:        at.RelatedTransactionID,
		Reverted:       at.Reverted(),
		AllowRevert:    at.AllowRevert,
		TimejumpBefore: at.TimejumpBefore,
		TimejumpAfter:  at.TimejumpAfter,
	}
}

// writeDomainError maps ledger errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		var fields ledger.FieldErrors
		if errors.As(err, &fields) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Detail: fields})
			return
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusForbidden, "Insufficient funds", err)
	case errors.Is(err, ledger.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "Permission denied", nil)
	case errors.Is(err, ledger.ErrAlreadyReverted):
		writeError(w, http.StatusConflict, "Transaction already reverted", nil)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", nil)
	default:
		h.Log.WithError(err).Error("internal error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}
