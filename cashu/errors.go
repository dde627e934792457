package cashu

import "fmt"

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Is reports whether target is a cashu error with the same code,
// so errors built with a more specific detail still match their sentinel.
func (e Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return e.Code == t.Code
	case *Error:
		return t != nil && e.Code == t.Code
	}
	return false
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode CashuErrCode = 1

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidBlindedMessageErrCode       CashuErrCode = 10004

	UnbalancedAmountsErrCode  CashuErrCode = 11002
	EmptyOutputsErrCode       CashuErrCode = 11003
	MultipleUnitsErrCode      CashuErrCode = 11004
	UnitErrCode               CashuErrCode = 11005
	AmountLimitsErrCode       CashuErrCode = 11006
	PaymentMethodErrCode      CashuErrCode = 11007
	AmountOverflowErrCode     CashuErrCode = 11008
	AmountNotSupportedErrCode CashuErrCode = 11009

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MintQuoteFailedErrCode         CashuErrCode = 20010
	MintQuoteNotExistErrCode       CashuErrCode = 20011
)

var (
	StandardErr                    = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr                   = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	UnknownKeysetErr               = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	InactiveKeysetSignatureRequest = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
	PaymentMethodNotSupportedErr   = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr            = Error{Detail: "unit not supported", Code: UnitErrCode}
	MintAmountOutOfLimitsErr       = Error{Detail: "mint amount is outside of allowed limits", Code: AmountLimitsErrCode}
	AmountNotSupportedErr          = Error{Detail: "keyset does not support amount in blinded message", Code: AmountNotSupportedErrCode}
	InvalidBlindedMessageErr       = Error{Detail: "invalid blinded message", Code: InvalidBlindedMessageErrCode}
	BlindedMessageAlreadySigned    = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	EmptyOutputsErr                = Error{Detail: "no outputs provided", Code: EmptyOutputsErrCode}
	MultipleUnitsErr               = Error{Detail: "outputs have keysets with different units", Code: MultipleUnitsErrCode}
	AmountOverflowErr              = Error{Detail: "amount in outputs overflows", Code: AmountOverflowErrCode}
	UnbalancedAmountsErr           = Error{Detail: "amount in outputs does not match quote amount", Code: UnbalancedAmountsErrCode}
	MintQuoteRequestNotPaid        = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued         = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MintQuoteFailed                = Error{Detail: "quote is in failed state", Code: MintQuoteFailedErrCode}
	MintQuoteNotExistErr           = Error{Detail: "quote does not exist", Code: MintQuoteNotExistErrCode}
	MintingDisabled                = Error{Detail: "minting is disabled", Code: MintingDisabledErrCode}
)

// UnbalancedAmounts returns an error carrying the outputs total
// and the amount the quote expects.
func UnbalancedAmounts(total, expected uint64) *Error {
	detail := fmt.Sprintf("amount in outputs (%v) does not match quote amount (%v)", total, expected)
	return BuildCashuError(detail, UnbalancedAmountsErrCode)
}

// QuoteUnitMismatch is returned when outputs are in a different unit
// than the quote they redeem. It matches UnitNotSupportedErr.
func QuoteUnitMismatch(outputsUnit, quoteUnit string) *Error {
	detail := fmt.Sprintf("outputs unit '%v' does not match quote unit '%v'", outputsUnit, quoteUnit)
	return BuildCashuError(detail, UnitErrCode)
}

// QuoteMethodMismatch is returned when a quote is redeemed through a
// different payment method than the one it was created for. It matches
// PaymentMethodNotSupportedErr.
func QuoteMethodMismatch(method, quoteMethod string) *Error {
	detail := fmt.Sprintf("payment method '%v' does not match quote method '%v'", method, quoteMethod)
	return BuildCashuError(detail, PaymentMethodErrCode)
}
