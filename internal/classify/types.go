package classify

import (
	"encoding/json"

	"github.com/rickgao/mirror-trader/internal/account"
)

// Kind identifies the classified event variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindAccountList
	KindBalance
	KindTrade
	KindAck
	KindPing
	KindPong
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindAccountList:
		return "account_list"
	case KindBalance:
		return "balance"
	case KindTrade:
		return "trade"
	case KindAck:
		return "ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Event is a tagged variant produced from one inbound venue message.
// Exactly the field matching Kind is populated.
type Event struct {
	Kind Kind

	Auth     *AuthResult
	Accounts []account.Account
	Balance  *BalanceUpdate
	Trade    *TradeEvent
	Ack      *CommandAck

	// MsgType is the raw venue message type, kept for unknown-message logs.
	MsgType string
}

// AuthResult is the outcome of an authorize request.
type AuthResult struct {
	OK       bool
	LoginID  string
	ErrCode  string
	ErrMsg   string
	Balance  float64
	Currency string
}

// BalanceUpdate is a standalone balance event for the authorized login.
type BalanceUpdate struct {
	Balance  float64
	Currency string
	LoginID  string
}

// TradeKind is the lifecycle action observed on the source stream.
type TradeKind int

const (
	TradeOpen TradeKind = iota
	TradeModify
	TradeClose
)

// String returns the trade kind name for logging.
func (k TradeKind) String() string {
	switch k {
	case TradeOpen:
		return "open"
	case TradeModify:
		return "modify"
	case TradeClose:
		return "close"
	default:
		return "invalid"
	}
}

// TradeEvent is one source-side trade lifecycle event. Immutable.
type TradeEvent struct {
	SourceContractID string
	Kind             TradeKind
	Symbol           string
	Direction        string // venue order type, e.g. "buy"/"sell"
	Volume           float64
	Price            float64
	StopLoss         *float64
	TakeProfit       *float64
}

// AckOp identifies which replication command a CommandAck confirms.
type AckOp int

const (
	AckOpen AckOp = iota
	AckModify
	AckClose
)

// String returns the ack operation name for logging.
func (op AckOp) String() string {
	switch op {
	case AckOpen:
		return "open"
	case AckModify:
		return "modify"
	case AckClose:
		return "close"
	default:
		return "invalid"
	}
}

// CommandAck is the venue's response to an order command issued on the
// destination connection. SourceContractID is recovered from the echoed
// passthrough so the ack maps back to the originating source trade.
type CommandAck struct {
	Op               AckOp
	OK               bool
	DestinationID    string
	SourceContractID string
	RequestID        string
	ErrCode          string
	ErrMsg           string
}

// Passthrough is attached to every outbound order command and echoed back
// by the venue on the matching response.
type Passthrough struct {
	SourceContractID string `json:"source_contract_id"`
	RequestID        string `json:"request_id,omitempty"`
}

// Wire types for JSON parsing.

// envelope is used to pick the variant before a full parse.
type envelope struct {
	MsgType     string           `json:"msg_type"`
	Error       *wireError       `json:"error"`
	Ping        json.RawMessage  `json:"ping"`
	Pong        json.RawMessage  `json:"pong"`
	Passthrough *Passthrough     `json:"passthrough"`
	Authorize   *authorizeWire   `json:"authorize"`
	LoginList   []mt5AccountWire `json:"mt5_login_list"`
	Balance     *balanceWire     `json:"balance"`
	Transaction *transactionWire `json:"transaction"`
	NewOrder    *orderAckWire    `json:"mt5_new_order"`
	ModifyOrder *orderAckWire    `json:"mt5_modify_order"`
	CloseOrder  *orderAckWire    `json:"mt5_close_order"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authorizeWire struct {
	LoginID  string  `json:"loginid"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

type mt5AccountWire struct {
	Login    string  `json:"login"`
	Group    string  `json:"group"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
	Rights   struct {
		Enabled       bool `json:"enabled"`
		TradeDisabled bool `json:"trade_disabled"`
	} `json:"rights"`
}

type balanceWire struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
	LoginID  string  `json:"loginid"`
}

type transactionWire struct {
	Action     string      `json:"action"` // "buy", "create", "update", "sell", "delete"
	ContractID json.Number `json:"contract_id"`
	Symbol     string      `json:"symbol"`
	Type       string      `json:"type"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price"`
	StopLoss   *float64    `json:"sl"`
	TakeProfit *float64    `json:"tp"`
}

type orderAckWire struct {
	OrderID json.Number `json:"order_id"`
}
