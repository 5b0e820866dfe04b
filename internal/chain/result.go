package chain

// Rejection reasons returned by Append and ValidateAndAppend. Every
// caller-visible operation resolves to success or one of these; none
// of them is fatal to the process.
const (
	ReasonReplay       = "replay"
	ReasonBadPrevHash  = "bad_prev_hash"
	ReasonBadSignature = "bad_signature"
	ReasonTxAbort      = "tx_abort"
)

type Result struct {
	OK     bool   `json:"ok"`
	Head   string `json:"head,omitempty"`
	Len    int64  `json:"len,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func failure(reason string, err error) Result {
	return Result{Reason: reason, Err: err}
}
