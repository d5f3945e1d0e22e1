// Package httpapi is the HTTP route layer: send/query messages, query
// delivery reports and numbers, modem status, and the websocket
// upgrade, per SPEC_FULL.md's HTTP API section.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/warthog618/goatsms/internal/modemio"
	"github.com/warthog618/goatsms/internal/smsmanager"
	"github.com/warthog618/goatsms/internal/store"
	"github.com/warthog618/goatsms/internal/wsocket"
)

// errorResponse is the JSON body written on any handler failure.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Println("httpapi: encoding response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type sendRequest struct {
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"content"`
}

type sendResponse struct {
	MessageID   int64 `json:"message_id"`
	ReferenceID byte  `json:"reference_id"`
}

func sendMessageHandler(m *smsmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		messageID, referenceID, err := m.Send(r.Context(), req.PhoneNumber, req.Content)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, sendResponse{MessageID: messageID, ReferenceID: referenceID})
	}
}

func getMessagesHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, offset, reverse := pageParams(q)
		msgs, err := s.GetMessages(q.Get("phone_number"), limit, offset, reverse)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func getDeliveryReportsHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID, err := strconv.ParseInt(mux.Vars(r)["message_id"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit, offset, reverse := pageParams(r.URL.Query())
		reports, err := s.GetDeliveryReports(messageID, limit, offset, reverse)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func getNumbersHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, reverse := pageParams(r.URL.Query())
		numbers, err := s.GetLatestNumbers(limit, offset, reverse)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, numbers)
	}
}

func getStatusHandler(w *modemio.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, w.Telemetry())
	}
}

func pageParams(q map[string][]string) (limit, offset int, reverse bool) {
	limit, _ = strconv.Atoi(first(q["limit"]))
	offset, _ = strconv.Atoi(first(q["offset"]))
	reverse, _ = strconv.ParseBool(first(q["reverse"]))
	return
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// NewRouter builds the gorilla/mux router serving every route in
// SPEC_FULL.md's HTTP API section. authToken, when non-empty, gates all
// /api/v1/* routes behind bearer-token auth; websocketHub may be nil if
// websockets are disabled in configuration.
func NewRouter(m *smsmanager.Manager, s *store.Store, worker *modemio.Worker, websocketHub *wsocket.Hub, authToken string) http.Handler {
	r := mux.NewRouter()
	r.StrictSlash(true)

	api := r.PathPrefix("/api/v1").Subrouter()
	if authToken != "" {
		api.Use(bearerAuthMiddleware(authToken))
	}
	api.Methods("POST").Path("/messages").HandlerFunc(sendMessageHandler(m))
	api.Methods("GET").Path("/messages").HandlerFunc(getMessagesHandler(s))
	api.Methods("GET").Path("/messages/{message_id}/delivery-reports").HandlerFunc(getDeliveryReportsHandler(s))
	api.Methods("GET").Path("/numbers").HandlerFunc(getNumbersHandler(s))
	api.Methods("GET").Path("/status").HandlerFunc(getStatusHandler(worker))

	if websocketHub != nil {
		r.Handle("/ws", websocketHub)
	}

	return r
}

func bearerAuthMiddleware(token string) mux.MiddlewareFunc {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				writeError(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errUnauthorized = httpError("unauthorized")

type httpError string

func (e httpError) Error() string { return string(e) }
