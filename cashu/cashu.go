// Package cashu contains the core structs and logic
// of the Cashu protocol used by the mint.
package cashu

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
)

// Identifier is the minimal capability required from payment method
// and unit identifiers: equality and a stable string serialization.
type Identifier interface {
	comparable
	fmt.Stringer
}

type Unit int

const (
	Sat Unit = iota
	Msat
	Usd
	Eur
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	case Msat:
		return "msat"
	case Usd:
		return "usd"
	case Eur:
		return "eur"
	default:
		return "unknown"
	}
}

func ParseUnit(unit string) (Unit, error) {
	switch unit {
	case "sat":
		return Sat, nil
	case "msat":
		return Msat, nil
	case "usd":
		return Usd, nil
	case "eur":
		return Eur, nil
	default:
		return 0, fmt.Errorf("%w: '%v'", ErrInvalidUnit, unit)
	}
}

func (unit Unit) MarshalText() ([]byte, error) {
	if unit.String() == "unknown" {
		return nil, ErrInvalidUnit
	}
	return []byte(unit.String()), nil
}

func (unit *Unit) UnmarshalText(text []byte) error {
	u, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*unit = u
	return nil
}

type Method int

const (
	Bolt11 Method = iota
)

const BOLT11_METHOD = "bolt11"

func (method Method) String() string {
	switch method {
	case Bolt11:
		return BOLT11_METHOD
	default:
		return "unknown"
	}
}

func ParseMethod(method string) (Method, error) {
	switch method {
	case BOLT11_METHOD:
		return Bolt11, nil
	default:
		return 0, fmt.Errorf("%w: '%v'", ErrInvalidMethod, method)
	}
}

func (method Method) MarshalText() ([]byte, error) {
	if method.String() == "unknown" {
		return nil, ErrInvalidMethod
	}
	return []byte(method.String()), nil
}

func (method *Method) UnmarshalText(text []byte) error {
	m, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*method = m
	return nil
}

var (
	ErrInvalidUnit   = errors.New("invalid unit")
	ErrInvalidMethod = errors.New("invalid payment method")
)

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	B_     string `json:"B_"`
	Id     string `json:"id"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

// Amount returns the sum of the amounts. It does not check for overflow.
func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

func GenerateRandomQuoteId() string {
	return uuid.NewString()
}
