// Package protocol implements the reserve/sign/ping handshake between a
// taker and the makers whose orders it matched.
package protocol

import (
	"encoding/json"

	"github.com/uhyunpark/runeswap/pkg/p2p"
	"github.com/uhyunpark/runeswap/pkg/swaperr"
)

// Message types carried in the envelope's type field.
const (
	TypeReserveRequest  = "reserve_request"
	TypeReserveResponse = "reserve_response"
	TypeSignRequest     = "sign_request"
	TypeSignResponse    = "sign_response"
	TypePing            = "ping"
	TypePong            = "pong"
)

// Reply status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message is one of the six protocol messages.
type Message interface {
	Kind() string
	isMessage()
}

// OrderAmount asks the maker to reserve Amount asset units of OrderID.
type OrderAmount struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

// ReserveRequest asks for one batch of order amounts under TradeID. A trade
// can span several requests to the same maker; RequestID tells their replies
// apart and is echoed in the response.
type ReserveRequest struct {
	TradeID   string        `json:"tradeId"`
	RequestID string        `json:"requestId,omitempty"`
	AssetID   string        `json:"assetId,omitempty"`
	Orders    []OrderAmount `json:"orders"`
}

type ReserveResponse struct {
	TradeID   string `json:"tradeId"`
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// SignRequest carries the swap PSBT and the input indices the recipient
// maker is expected to sign.
type SignRequest struct {
	TradeID      string `json:"tradeId"`
	PSBT         []byte `json:"psbt"`
	InputsToSign []int  `json:"inputsToSign"`
}

type SignResponse struct {
	TradeID    string `json:"tradeId"`
	SignedPSBT []byte `json:"signedPsbt,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type Ping struct {
	Nonce string `json:"nonce"`
}

type Pong struct {
	Nonce string `json:"nonce"`
}

func (ReserveRequest) Kind() string  { return TypeReserveRequest }
func (ReserveResponse) Kind() string { return TypeReserveResponse }
func (SignRequest) Kind() string     { return TypeSignRequest }
func (SignResponse) Kind() string    { return TypeSignResponse }
func (Ping) Kind() string            { return TypePing }
func (Pong) Kind() string            { return TypePong }

func (ReserveRequest) isMessage()  {}
func (ReserveResponse) isMessage() {}
func (SignRequest) isMessage()     {}
func (SignResponse) isMessage()    {}
func (Ping) isMessage()            {}
func (Pong) isMessage()            {}

// Encode returns the envelope type and body for m.
func Encode(m Message) (string, []byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, swaperr.Wrap(swaperr.Internal, err, "encode %s", m.Kind())
	}
	return m.Kind(), data, nil
}

// Decode turns an envelope back into its message. Unknown types and
// malformed bodies are ProtocolDecode errors.
func Decode(env p2p.Envelope) (Message, error) {
	var m Message
	switch env.Type {
	case TypeReserveRequest:
		m = &ReserveRequest{}
	case TypeReserveResponse:
		m = &ReserveResponse{}
	case TypeSignRequest:
		m = &SignRequest{}
	case TypeSignResponse:
		m = &SignResponse{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	default:
		return nil, swaperr.New(swaperr.ProtocolDecode, "unknown message type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, swaperr.Wrap(swaperr.ProtocolDecode, err, "decode %s", env.Type)
	}
	return deref(m), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *ReserveRequest:
		return *v
	case *ReserveResponse:
		return *v
	case *SignRequest:
		return *v
	case *SignResponse:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	}
	return m
}
