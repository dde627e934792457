// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"fmt"

	"github.com/elnosh/gonuts-mint/cashu"
)

type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Failed
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	case Failed:
		return "FAILED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	case "FAILED":
		return Failed
	}
	return Unknown
}

func (state State) MarshalJSON() ([]byte, error) {
	if state < Unpaid || state >= Unknown {
		return nil, fmt.Errorf("invalid quote state: %d", int(state))
	}
	return json.Marshal(state.String())
}

func (state *State) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed := StringToState(s)
	if parsed == Unknown {
		return fmt.Errorf("invalid quote state: %q", s)
	}
	*state = parsed
	return nil
}

// CanTransitionTo reports whether a quote in this state may move to next.
// Issued and Failed are terminal.
func (state State) CanTransitionTo(next State) bool {
	switch state {
	case Unpaid:
		return next == Paid || next == Failed
	case Paid:
		return next == Issued || next == Failed
	}
	return false
}

type PostMintRequest struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type MethodSetting[M, U cashu.Identifier] struct {
	Method      M      `json:"method"`
	Unit        U      `json:"unit"`
	MinAmount   uint64 `json:"min_amount,omitempty"`
	MaxAmount   uint64 `json:"max_amount,omitempty"`
	Description bool   `json:"description,omitempty"`
}

// Settings lists the (method, unit) pairs enabled for minting.
type Settings[M, U cashu.Identifier] struct {
	Methods  []MethodSetting[M, U] `json:"methods"`
	Disabled bool                  `json:"disabled"`
}

// Supports reports whether minting is enabled for the method and unit pair.
func (s Settings[M, U]) Supports(method M, unit U) bool {
	_, ok := s.Setting(method, unit)
	return ok
}

func (s Settings[M, U]) Setting(method M, unit U) (MethodSetting[M, U], bool) {
	if s.Disabled {
		return MethodSetting[M, U]{}, false
	}
	for _, setting := range s.Methods {
		if setting.Method == method && setting.Unit == unit {
			return setting, true
		}
	}
	return MethodSetting[M, U]{}, false
}

func (s Settings[M, U]) HasMethod(method M) bool {
	for _, setting := range s.Methods {
		if setting.Method == method {
			return true
		}
	}
	return false
}
