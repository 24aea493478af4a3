package system

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

// WSURL converts an http(s) base URL into its ws(s) equivalent.
func WSURL(base, path string) string {
	url := fmt.Sprintf("%s%s", base, path)
	if strings.HasPrefix(url, "http://") {
		return "ws" + url[4:]
	}
	return "wss" + url[5:]
}

type HTTPError struct {
	StatusCode int
	Kind       types.ErrorKind
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError(err error) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Kind:       types.ErrorKindInternal,
		Message:    err.Error(),
	}
}

func NewHTTPError401(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusUnauthorized,
		Kind:       types.ErrorKindUnauthorized,
		Message:    message,
	}
}

func NewHTTPError422(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusUnprocessableEntity,
		Kind:       types.ErrorKindRequestInvalid,
		Message:    message,
	}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusInternalServerError,
		Kind:       types.ErrorKindInternal,
		Message:    message,
	}
}

func NewHTTPError501(message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusNotImplemented,
		Kind:       types.ErrorKindNotSupported,
		Message:    message,
	}
}

func NewHTTPError503(kind types.ErrorKind, message string) *HTTPError {
	return &HTTPError{
		StatusCode: http.StatusServiceUnavailable,
		Kind:       kind,
		Message:    message,
	}
}

// APIError is the OpenAI-style error body. Every error surface of the
// gateway, including terminal stream frames, uses this shape.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code,omitempty"`
}

type APIErrorEnvelope struct {
	Error APIError `json:"error"`
}

func NewAPIErrorEnvelope(statusCode int, kind types.ErrorKind, message string) APIErrorEnvelope {
	return APIErrorEnvelope{
		Error: APIError{
			Message: message,
			Type:    string(kind),
			Code:    statusCode,
		},
	}
}

// WriteError emits an OpenAI error envelope with the given status.
func WriteError(res http.ResponseWriter, statusCode int, kind types.ErrorKind, message string) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(statusCode)
	if err := json.NewEncoder(res).Encode(NewAPIErrorEnvelope(statusCode, kind, message)); err != nil {
		log.Error().Err(err).Msg("error encoding error envelope")
	}
}

func WriteHTTPError(res http.ResponseWriter, err *HTTPError) {
	statusCode := err.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	WriteError(res, statusCode, err.Kind, err.Message)
}

// functions that understand they need to return a http error
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

// wrap a http handler with some error handling
// so if it returns an error we handle it
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	ret := func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			if err.Kind != types.ErrorKindUnauthorized && err.Kind != types.ErrorKindRequestInvalid {
				log.Error().Msgf("error for route %s: %s", req.URL.Path, err.Error())
			}
			WriteHTTPError(res, err)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		jsonError := json.NewEncoder(res).Encode(data)
		if jsonError != nil {
			log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", jsonError.Error())
			http.Error(res, jsonError.Error(), http.StatusInternalServerError)
			return
		}
	}
	return ret
}

func NewRetryClient(retryMax int, tlsSkipVerify bool) *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax

	if tlsSkipVerify {
		retryClient.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	retryClient.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		log.Trace().
			Str(req.Method, req.URL.String()).
			Int("attempt", attempt).
			Msgf("")
	}
	retryClient.CheckRetry = func(_ context.Context, resp *http.Response, err error) (bool, error) {
		if resp == nil {
			return true, err
		}
		log.Trace().
			Str(resp.Request.Method, resp.Request.URL.String()).
			Int("code", resp.StatusCode).
			Msgf("")
		// don't retry for auth errors
		return resp.StatusCode >= 500, nil
	}
	return retryClient
}
