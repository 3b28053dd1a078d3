package api

import (
	"errors"
	"net/http"

	"github.com/sqlitefleet/engine/internal/service"
)

func invalidArgumentError(message string) *service.EngineError {
	return service.InvalidRequest("%s", message)
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	writeServiceError(w, invalidArgumentError(message))
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, string(service.CodeInvalidRequest), msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// statusForCode maps a service.Code to its HTTP status, per spec §7.
func statusForCode(code service.Code) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeAlreadyExists:
		return http.StatusConflict
	case service.CodeWriteOnReplica:
		return http.StatusMisdirectedRequest
	case service.CodeReplicationLag:
		return http.StatusConflict
	case service.CodeWALChain:
		return http.StatusConflict
	case service.CodeUnauthorized:
		return http.StatusUnauthorized
	case service.CodeInvalidRequest:
		return http.StatusBadRequest
	case service.CodeTimeout:
		return http.StatusGatewayTimeout
	case service.CodeStorage:
		return http.StatusInternalServerError
	case service.CodeTEERequired:
		return http.StatusPreconditionRequired
	case service.CodeAttestationFailed:
		return http.StatusForbidden
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps an EngineError to an HTTP response, including any
// structured Details (e.g. ReplicationLagDetails) in the JSON body.
func writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, string(service.CodeInternal), "internal server error")
		return
	}

	ee, ok := service.AsEngineError(err)
	if !ok {
		WriteError(w, http.StatusInternalServerError, string(service.CodeInternal), "internal server error")
		return
	}

	status := statusForCode(ee.Code)
	if ee.Details != nil {
		WriteJSON(w, status, ErrorResponse{
			Error: ErrorDetail{Code: string(ee.Code), Message: ee.Error()},
			Details: ee.Details,
		})
		return
	}
	WriteError(w, status, string(ee.Code), ee.Error())
}
