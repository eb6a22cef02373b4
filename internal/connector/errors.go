package connector

import (
	"encoding/json"
	"net/http"
	"pyris/internal/apperrors"
	"strings"
)

// errorBody is the error envelope of the pipeline service.
type errorBody struct {
	Detail struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"detail"`
}

// MapError classifies a non-2xx response. It never fails: a body that cannot
// be parsed yields an InternalPipeline error with an empty message.
//
//	401, 403       -> Forbidden
//	400, 500       -> InternalPipeline(detail.errorMessage or "")
//	anything else  -> InternalPipeline(raw body)
func MapError(op string, status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.Forbidden(op, status)
	case http.StatusBadRequest, http.StatusInternalServerError:
		return apperrors.InternalPipeline(status, parseErrorMessage(body))
	default:
		return apperrors.InternalPipeline(status, strings.TrimSpace(string(body)))
	}
}

func parseErrorMessage(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Detail.ErrorMessage
}
