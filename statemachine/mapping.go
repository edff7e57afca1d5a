package statemachine

import "payment-service/model"

// MapNotification turns the gateway's (transaction_status, fraud_status,
// payment_type) triple into one internal event. The fraud verdict only
// matters for card captures; every other payment type settles directly on
// "settlement". Returns ok=false for statuses that carry no event (the
// gateway's own "pending" progress pings).
func MapNotification(transactionStatus, fraudStatus, paymentType string) (string, bool) {
	switch transactionStatus {
	case "capture":
		if paymentType == "credit_card" && fraudStatus == "challenge" {
			return model.EventCaptureChallenge, true
		}
		return model.EventCaptureAccept, true
	case "settlement":
		return model.EventSettlement, true
	case "deny":
		return model.EventDeny, true
	case "cancel":
		return model.EventGatewayCancel, true
	case "expire":
		return model.EventExpire, true
	case "failure":
		return model.EventFailure, true
	default:
		return "", false
	}
}

// FailureReason gives the stored failure_reason text for gateway-initiated
// failure events.
func FailureReason(event string) string {
	switch event {
	case model.EventDeny:
		return "payment denied by gateway"
	case model.EventGatewayCancel:
		return "payment cancelled on gateway"
	case model.EventFailure:
		return "gateway reported payment failure"
	case model.EventExpire:
		return "payment window expired on gateway"
	case model.EventSweeperTimeout:
		return "payment deadline passed without settlement"
	default:
		return ""
	}
}
