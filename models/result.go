package models

import "fmt"

// ErrorKind classifies expected business outcomes. These are returned inside an
// OperationResult, never as Go errors.
type ErrorKind string

const (
	ErrorKindNone                    ErrorKind = ""
	ErrorKindInsufficientStock       ErrorKind = "InsufficientStock"
	ErrorKindReservationExpired      ErrorKind = "ReservationExpired"
	ErrorKindAlreadyApproved         ErrorKind = "AlreadyApproved"
	ErrorKindPaymentNotConfirmed     ErrorKind = "PaymentNotConfirmed"
	ErrorKindNoActiveReservations    ErrorKind = "NoActiveReservations"
	ErrorKindOrderNotFound           ErrorKind = "OrderNotFound"
	ErrorKindProductNotFound         ErrorKind = "ProductNotFound"
	ErrorKindCycleNotFoundOrInactive ErrorKind = "CycleNotFoundOrInactive"
	ErrorKindNoMatchingOrderItem     ErrorKind = "NoMatchingOrderItem"
	ErrorKindInvalidOrderState       ErrorKind = "InvalidOrderState"
	ErrorKindNoPaidOrders            ErrorKind = "NoPaidOrders"
	ErrorKindAnotherCycleActive      ErrorKind = "AnotherCycleActive"
	ErrorKindInvalidInput            ErrorKind = "InvalidInput"
)

type OperationResult struct {
	Success bool      `json:"success"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}

func Succeeded(message string) *OperationResult {
	return &OperationResult{Success: true, Message: message}
}

func Failed(kind ErrorKind, format string, args ...any) *OperationResult {
	return &OperationResult{Success: false, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BusinessFailure carries a failed OperationResult out of a gorm Transaction closure so the
// transaction rolls back while the caller still receives a structured result.
type BusinessFailure struct {
	Result *OperationResult
}

func (f *BusinessFailure) Error() string {
	if f == nil || f.Result == nil {
		return "business failure"
	}
	return string(f.Result.Kind) + ": " + f.Result.Message
}

func Rollback(result *OperationResult) error {
	return &BusinessFailure{Result: result}
}
