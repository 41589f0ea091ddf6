package submission

import "net/http"

// Response is the classified outcome of one batch submission.
type Response struct {
	StatusCode int
	Message    string
}

func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ServiceUnavailable means the endpoint is overloaded or rate limiting us.
func (r Response) ServiceUnavailable() bool {
	return r.StatusCode == http.StatusServiceUnavailable
}

// PaymentRequired means the account is over its event quota.
func (r Response) PaymentRequired() bool {
	return r.StatusCode == http.StatusPaymentRequired
}

// UnableToAuthenticate means the API key was rejected or suspended.
func (r Response) UnableToAuthenticate() bool {
	return r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden
}

func (r Response) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}
