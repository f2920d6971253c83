package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/pkg/router"
)

type envelope map[string]interface{}

func (ac *appContext) writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}

	js = append(js, '\n')

	for key, value := range headers {
		w.Header()[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(js)
	return nil
}

func (ac *appContext) readJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("body must not be empty")
		}
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}

func (ac *appContext) errorResponse(w http.ResponseWriter, status int, message interface{}) {
	env := envelope{"error": message}
	err := ac.writeJSON(w, status, env, nil)
	if err != nil {
		ac.logError(err)
		w.WriteHeader(500)
	}
}

// dalErrorResponse answers with the status the routing layer assigns to err.
func (ac *appContext) dalErrorResponse(w http.ResponseWriter, err error) {
	status := router.StatusCode(err)
	if status >= 500 {
		ac.Logger.Error("data access failed", zap.Int("status", status), zap.Error(err))
	}
	router.WriteError(w, err)
}

func (ac *appContext) logError(err error) {
	ac.Logger.Sugar().Errorf("%s\n%s", err.Error(), debug.Stack())
}

func (ac *appContext) logJson(message interface{}) {
	if !ac.Logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	env := envelope{"payload": message}
	js, err := json.Marshal(env)
	if err != nil {
		ac.logError(err)
		return
	}
	ac.Logger.Debug(string(js))
}
