package models

// TopupRequest credits an account from an external source. An empty TopupNo
// is replaced by a generated reference.
type TopupRequest struct {
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"topup_amount" example:"100000"`
	TopupNo string `json:"topup_no,omitempty" validate:"omitempty,max=64" example:"01HZX3T6W6K8Q1Y2R5M7N9P0AB"`
	Method  string `json:"topup_method" validate:"max=64" example:"bank_transfer"`
}

// WithdrawRequest debits an account to an external destination.
type WithdrawRequest struct {
	UserID int64 `json:"user_id"`
	Amount int64 `json:"withdraw_amount" example:"60000"`
}

// TransferRequest moves funds between two accounts of the ledger.
type TransferRequest struct {
	From   int64 `json:"transfer_from"`
	To     int64 `json:"transfer_to"`
	Amount int64 `json:"transfer_amount" example:"50000"`
}
