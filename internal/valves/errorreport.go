package valves

import (
	"net/http"

	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/errors"
)

// ErrorReport renders a JSON error body for responses that ended in an
// error without writing one. It belongs near the front of the engine
// pipeline so it runs after every other stage returned.
type ErrorReport struct{}

// NewErrorReport creates the valve.
func NewErrorReport() *ErrorReport { return &ErrorReport{} }

func (ErrorReport) AsyncSupported() bool { return true }

func (ErrorReport) Invoke(req *container.Request, resp *container.Response, chain *container.Chain) error {
	err := chain.Next(req, resp)
	if !resp.IsErrorReportRequired() || resp.IsCommitted() {
		return err
	}
	if !resp.SetErrorReported() {
		return err
	}

	status := resp.Status()
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
		resp.SetStatus(status)
	}
	report := statusError(resp, status)
	if id := RequestIDOf(req); id != "" {
		report = report.WithRequestID(id)
	}
	if werr := resp.WriteReport("application/json", report.Body()); werr != nil && err == nil {
		err = werr
	}
	return err
}

func statusError(resp *container.Response, status int) *errors.StatusError {
	if se, ok := errors.AsStatusError(resp.Error()); ok && se.Code == status {
		return se
	}
	if msg := resp.Message(); msg != "" && msg != http.StatusText(status) {
		return errors.New(status, msg)
	}
	return errors.ForStatus(status)
}
