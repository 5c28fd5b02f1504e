package replicate

import "github.com/rickgao/mirror-trader/internal/classify"

// Venue command shapes issued on the destination connection. Every command
// carries a passthrough that the venue echoes back on the response, so acks
// map to the originating source trade.

// OpenCommand places a new order mirroring a source open.
type OpenCommand struct {
	MT5NewOrder int                  `json:"mt5_new_order"`
	Login       string               `json:"login"`
	Symbol      string               `json:"symbol"`
	Type        string               `json:"type"`
	Volume      float64              `json:"volume"`
	Price       float64              `json:"price"`
	StopLoss    *float64             `json:"sl,omitempty"`
	TakeProfit  *float64             `json:"tp,omitempty"`
	Passthrough classify.Passthrough `json:"passthrough"`
}

// ModifyCommand updates stop-loss/take-profit on a mapped trade.
type ModifyCommand struct {
	MT5ModifyOrder int                  `json:"mt5_modify_order"`
	Login          string               `json:"login"`
	ContractID     string               `json:"contract_id"`
	StopLoss       *float64             `json:"sl,omitempty"`
	TakeProfit     *float64             `json:"tp,omitempty"`
	Passthrough    classify.Passthrough `json:"passthrough"`
}

// CloseCommand closes a mapped trade at the source close price.
type CloseCommand struct {
	MT5CloseOrder int                  `json:"mt5_close_order"`
	Login         string               `json:"login"`
	ContractID    string               `json:"contract_id"`
	Price         float64              `json:"price"`
	Volume        float64              `json:"volume,omitempty"`
	Passthrough   classify.Passthrough `json:"passthrough"`
}
