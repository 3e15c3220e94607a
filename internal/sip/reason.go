package sip

import "github.com/flowpbx/callctl/internal/message"

// reasonForStatus maps the final failure status of an outgoing INVITE to
// the reason the call is cleared with.
func reasonForStatus(code int) message.Reason {
	switch {
	case code == 486 || code == 600:
		return message.ReasonBusy
	case code == 408 || code == 480:
		return message.ReasonNoAnswer
	case code == 403 || code == 603:
		return message.ReasonRefused
	case code == 487:
		return message.ReasonNormal
	case code == 488 || code == 606:
		return message.ReasonMediaFailed
	case code == 503:
		return message.ReasonResourceExhausted
	case code == 404 || code == 410 || code == 484 || code == 604:
		return message.ReasonUnreachable
	case code >= 500:
		return message.ReasonUnreachable
	default:
		return message.ReasonSignalingError
	}
}

// rejectStatus picks the final response used to refuse an incoming call
// that was cleared before it was answered.
func rejectStatus(r message.Reason) (int, string) {
	switch r {
	case message.ReasonBusy:
		return 486, "Busy Here"
	case message.ReasonNoAnswer, message.ReasonTimeout:
		return 480, "Temporarily Unavailable"
	case message.ReasonUnreachable:
		return 404, "Not Found"
	case message.ReasonMediaFailed:
		return 488, "Not Acceptable Here"
	case message.ReasonResourceExhausted, message.ReasonShutdown:
		return 503, "Service Unavailable"
	case message.ReasonSignalingError:
		return 500, "Server Internal Error"
	default:
		return 603, "Decline"
	}
}
