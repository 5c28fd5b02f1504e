// Package classify parses raw venue messages into typed events.
//
// Inbound WebSocket payloads are duck-typed JSON objects; this package turns
// each one into a tagged Event variant so the rest of the engine never
// threads loosely-typed maps around. A malformed payload yields ErrParse and
// is dropped by the caller; it never terminates a connection.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/mirror-trader/internal/account"
)

// ErrParse wraps JSON decode failures on inbound messages.
var ErrParse = errors.New("malformed venue message")

// Classify parses one raw venue message into a tagged event.
//
// Fields are inspected in priority order: authorization result, account
// list, balance, transaction stream, order command responses, ping/pong.
// Anything else classifies as KindUnknown and is for the caller to log and
// drop.
func Classify(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch {
	case env.MsgType == "authorize" || env.Authorize != nil:
		return classifyAuth(env), nil

	case env.MsgType == "mt5_login_list" || env.LoginList != nil:
		return classifyAccountList(env), nil

	case env.MsgType == "balance" || env.Balance != nil:
		return classifyBalance(env), nil

	case env.MsgType == "transaction" || env.Transaction != nil:
		return classifyTransaction(env), nil

	case env.MsgType == "mt5_new_order" || env.NewOrder != nil:
		return classifyAck(env, AckOpen, env.NewOrder), nil

	case env.MsgType == "mt5_modify_order" || env.ModifyOrder != nil:
		return classifyAck(env, AckModify, env.ModifyOrder), nil

	case env.MsgType == "mt5_close_order" || env.CloseOrder != nil:
		return classifyAck(env, AckClose, env.CloseOrder), nil

	case env.MsgType == "ping" || env.Pong != nil:
		// The venue answers our {"ping":1} with a ping-typed response,
		// which is a pong from the engine's point of view.
		return Event{Kind: KindPong, MsgType: env.MsgType}, nil

	case env.Ping != nil:
		return Event{Kind: KindPing, MsgType: env.MsgType}, nil
	}

	return Event{Kind: KindUnknown, MsgType: env.MsgType}, nil
}

func classifyAuth(env envelope) Event {
	res := &AuthResult{}
	if env.Error != nil || env.Authorize == nil {
		res.OK = false
		if env.Error != nil {
			res.ErrCode = env.Error.Code
			res.ErrMsg = env.Error.Message
		}
	} else {
		res.OK = true
		res.LoginID = env.Authorize.LoginID
		res.Balance = env.Authorize.Balance
		res.Currency = env.Authorize.Currency
	}
	return Event{Kind: KindAuth, Auth: res, MsgType: env.MsgType}
}

func classifyAccountList(env envelope) Event {
	ev := Event{Kind: KindAccountList, MsgType: env.MsgType}
	for _, w := range env.LoginList {
		ev.Accounts = append(ev.Accounts, w.toAccount())
	}
	return ev
}

func classifyBalance(env envelope) Event {
	ev := Event{Kind: KindBalance, MsgType: env.MsgType}
	if env.Balance != nil {
		ev.Balance = &BalanceUpdate{
			Balance:  env.Balance.Balance,
			Currency: env.Balance.Currency,
			LoginID:  env.Balance.LoginID,
		}
	}
	return ev
}

func classifyTransaction(env envelope) Event {
	tx := env.Transaction
	if tx == nil {
		// Subscription confirmations arrive with msg_type "transaction"
		// and no payload.
		return Event{Kind: KindUnknown, MsgType: env.MsgType}
	}

	var kind TradeKind
	switch tx.Action {
	case "buy", "create":
		kind = TradeOpen
	case "update":
		kind = TradeModify
	case "sell", "delete":
		kind = TradeClose
	default:
		return Event{Kind: KindUnknown, MsgType: env.MsgType}
	}

	return Event{
		Kind:    KindTrade,
		MsgType: env.MsgType,
		Trade: &TradeEvent{
			SourceContractID: tx.ContractID.String(),
			Kind:             kind,
			Symbol:           tx.Symbol,
			Direction:        tx.Type,
			Volume:           tx.Volume,
			Price:            tx.Price,
			StopLoss:         tx.StopLoss,
			TakeProfit:       tx.TakeProfit,
		},
	}
}

func classifyAck(env envelope, op AckOp, ack *orderAckWire) Event {
	res := &CommandAck{Op: op}
	if env.Passthrough != nil {
		res.SourceContractID = env.Passthrough.SourceContractID
		res.RequestID = env.Passthrough.RequestID
	}
	if env.Error != nil {
		res.OK = false
		res.ErrCode = env.Error.Code
		res.ErrMsg = env.Error.Message
	} else {
		res.OK = true
		if ack != nil {
			res.DestinationID = ack.OrderID.String()
		}
	}
	return Event{Kind: KindAck, Ack: res, MsgType: env.MsgType}
}

func (w mt5AccountWire) toAccount() account.Account {
	return account.Account{
		ID:           w.Login,
		Enabled:      w.Rights.Enabled,
		TradeAllowed: !w.Rights.TradeDisabled,
		Group:        w.Group,
		Balance:      w.Balance,
		Currency:     w.Currency,
	}
}
