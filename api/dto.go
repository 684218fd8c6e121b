/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Request amounts arrive as JSON numbers or strings ("12.34", 12.34, 1234
  cents are all rejected unless they resolve to a whole number of cents)
  and are parsed with ledger.ParseAmount. Response amounts are rendered as
  both the raw cent value and the formatted decimal string.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/amount.go: Fixed-point parsing rules
*/
package api

import (
	"encoding/json"

	"github.com/clubtab/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CustomTransactionRequest is the body for deposit and withdraw.
type CustomTransactionRequest struct {
	Account ledger.AccountID `json:"account"`
	Amount  json.Number      `json:"amount"`
	Reason  string           `json:"reason,omitempty"`
}

// OrderRequest is the body for a product purchase.
type OrderRequest struct {
	Account      ledger.AccountID `json:"account"`
	Product      ledger.ProductID `json:"product"`
	Quantity     int              `json:"quantity,omitempty"`
	InvertMember bool             `json:"invert_member,omitempty"`
}

// RevertRequest is the body for a reversal.
type RevertRequest struct {
	Transaction ledger.TransactionID `json:"transaction"`
}

// CreateAccountRequest is the body for administrative account creation.
type CreateAccountRequest struct {
	DisplayName string      `json:"display_name"`
	FullName    string      `json:"full_name,omitempty"`
	Member      bool        `json:"member"`
	Permanent   bool        `json:"permanent,omitempty"`
	Credit      json.Number `json:"credit,omitempty"`
	Group       string      `json:"group,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TransactionResponse acknowledges a created transaction.
type TransactionResponse struct {
	TransactionID ledger.TransactionID `json:"transaction_id"`
	Balance       AmountDTO            `json:"balance"`
}

// AmountDTO renders a fixed-point amount for clients.
type AmountDTO struct {
	Cents     ledger.Amount `json:"cents"`
	Formatted string        `json:"formatted"`
}

func newAmountDTO(a ledger.Amount) AmountDTO {
	return AmountDTO{Cents: a, Formatted: a.String()}
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID          ledger.AccountID `json:"id"`
	DisplayName string           `json:"display_name"`
	FullName    string           `json:"full_name,omitempty"`
	Member      bool             `json:"member"`
	Permanent   bool             `json:"permanent"`
	Active      bool             `json:"active"`
	Credit      AmountDTO        `json:"credit"`
	Group       string           `json:"group,omitempty"`
	Balance     *AmountDTO       `json:"balance,omitempty"`
}

func newAccountDTO(a *ledger.Account) AccountDTO {
	return AccountDTO{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		FullName:    a.FullName,
		Member:      a.Member,
		Permanent:   a.Permanent,
		Active:      a.Active,
		Credit:      newAmountDTO(a.Credit),
		Group:       a.Group,
	}
}

// AccountGroupDTO is one display group of accounts.
type AccountGroupDTO struct {
	Group    string       `json:"group"`
	Accounts []AccountDTO `json:"accounts"`
}

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	ID         ledger.ProductID `json:"id"`
	Name       string           `json:"name"`
	Cost       AmountDTO        `json:"cost"`
	MemberCost AmountDTO        `json:"member_cost"`
	Group      string           `json:"group,omitempty"`
}

func newProductDTO(p *ledger.Product) ProductDTO {
	return ProductDTO{
		ID:         p.ID,
		Name:       p.Name,
		Cost:       newAmountDTO(p.Cost),
		MemberCost: newAmountDTO(p.MemberCost),
		Group:      p.Group,
	}
}

// ProductGroupDTO is one display group of products.
type ProductGroupDTO struct {
	Group    string       `json:"group"`
	Products []ProductDTO `json:"products"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID             ledger.TransactionID  `json:"id"`
	Account        ledger.AccountID      `json:"account"`
	Amount         AmountDTO             `json:"amount"` // signed
	Type           string                `json:"type"`
	Timestamp      string                `json:"timestamp"`
	Reason         string                `json:"reason"`
	Related        *ledger.TransactionID `json:"related,omitempty"`
	Reverted       bool                  `json:"reverted"`
	AllowRevert    bool                  `json:"allow_revert"`
	TimejumpBefore bool                  `json:"timejump_before,omitempty"`
	TimejumpAfter  bool                  `json:"timejump_after,omitempty"`
}

// AccountDetailDTO is the account page payload.
type AccountDetailDTO struct {
	Account      AccountDTO       `json:"account"`
	Balance      AmountDTO        `json:"balance"`
	Budget       AmountDTO        `json:"budget"`
	Transactions []TransactionDTO `json:"transactions"`
}

// BalanceCloseDTO acknowledges a balance close.
type BalanceCloseDTO struct {
	BalanceID      ledger.BalanceID `json:"balance_id"`
	ClosingBalance AmountDTO        `json:"closing_balance"`
	Timestamp      string           `json:"timestamp"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}
