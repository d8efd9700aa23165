package server

import (
	"Percolator/internal/core"
	"Percolator/internal/ingestion"
	"Percolator/internal/persistence"
	"Percolator/internal/query"
	"context"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errBadRequest marks malformed path or query parameters.
var errBadRequest = errors.New("bad request")

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// statusFromError maps engine, ingestion and query errors to gRPC codes.
func statusFromError(err error) *status.Status {
	var rejected *core.RejectedError
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrInvalidPayload),
		errors.Is(err, core.ErrWrongMarket):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.As(err, &rejected),
		errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrOutOfOrder),
		errors.Is(err, core.ErrStaleSequence),
		errors.Is(err, persistence.ErrNothingToSnapshot):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrEngineHalted):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

func newErrorBody(err error) (int, errorBody) {
	st := statusFromError(err)
	body := errorBody{
		Code:    int(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	}
	var rejected *core.RejectedError
	if errors.As(err, &rejected) && rejected.Err != nil {
		body.Reason = rejected.Err.Error()
	}
	code := runtime.HTTPStatusFromCode(st.Code())
	if code == 0 {
		code = http.StatusInternalServerError
	}
	return code, body
}
