package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/parkhold/internal/auth"
	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/handler"
	"github.com/example/parkhold/internal/parking/repository"
	"github.com/example/parkhold/internal/parking/service"
)

const secret = "handler-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := service.New(service.Deps{
		Spots:        repository.NewMemorySpotStore(),
		Reservations: repository.NewMemoryReservationStore(),
		Idempotency:  repository.NewMemoryIdempotencyRepo(time.Hour),
	})
	_, err := svc.SeedSpots(context.Background(), []domain.Spot{
		{LotID: "L", ID: "1", Class: domain.ClassGeneral},
		{LotID: "L", ID: "2", Class: domain.ClassStaff},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler.NewHTTP(svc, handler.Options{Secret: secret}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(secret, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, srv *httptest.Server, method, path, tok, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body2, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body2
}

func TestReserveCancelFlow(t *testing.T) {
	srv := newServer(t)
	u1 := token(t, "u1", "")

	resp, body := do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", u1, "", "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res domain.Reservation
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, "u1", res.UserID)
	require.Equal(t, domain.ReservationHeld, res.Status)

	resp, body = do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", u1, "", "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var again domain.Reservation
	require.NoError(t, json.Unmarshal(body, &again))
	require.Equal(t, res.ID, again.ID)

	resp, body = do(t, srv, http.MethodGet, "/v1/reservations/active", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), res.ID.String())

	resp, _ = do(t, srv, http.MethodPost, "/v1/reservations/"+res.ID.String()+"/cancel", token(t, "u2", ""), "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/v1/reservations/"+res.ID.String()+"/cancel", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"CANCELLED"`)

	resp, _ = do(t, srv, http.MethodGet, "/v1/reservations/active", u1, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/v1/reservations", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []domain.Reservation
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)

	resp, _ = do(t, srv, http.MethodGet, "/v1/reservations/"+res.ID.String(), u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t)
	u1 := token(t, "u1", "")
	u2 := token(t, "u2", "")

	resp, _ := do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/lots/L/spots/9/reservations", u1, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", u1, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", u2, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.JSONEq(t, `{"error":"spot is no longer available","retryable":true}`, string(body))

	resp, body = do(t, srv, http.MethodPost, "/v1/lots/L/reservations/random", u1, `{"class":"staff"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(body), `"retryable":false`)

	resp, _ = do(t, srv, http.MethodPost, "/v1/lots/L/reservations/random", u2, `{"class":"general"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/lots/L/reservations/random", u2, `{"class":"vip"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/reservations/not-a-uuid/cancel", u1, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/v1/lots/L/spots?status=PARKED", u1, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndGetSpots(t *testing.T) {
	srv := newServer(t)
	u1 := token(t, "u1", "")

	resp, body := do(t, srv, http.MethodGet, "/v1/lots/L/spots?class=staff", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var spots []domain.Spot
	require.NoError(t, json.Unmarshal(body, &spots))
	require.Len(t, spots, 1)
	require.Equal(t, "2", spots[0].ID)

	resp, body = do(t, srv, http.MethodGet, "/v1/lots/empty/spots", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, string(body))

	resp, body = do(t, srv, http.MethodGet, "/v1/lots/L/spots/1", u1, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"AVAILABLE"`)
}

func TestSensorRoutesRequireRole(t *testing.T) {
	srv := newServer(t)
	u1 := token(t, "u1", "")
	sensor := token(t, "gate", auth.RoleSensor)

	resp, _ := do(t, srv, http.MethodPost, "/v1/lots/L/spots/1/reservations", u1, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/sensors/lots/L/spots/1/arrive", u1, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPost, "/v1/sensors/lots/L/spots/1/arrive", sensor, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"OCCUPIED"`)

	resp, _ = do(t, srv, http.MethodPost, "/v1/sensors/lots/L/spots/1/vacate", sensor, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/sensors/lots/L/spots/1/vacate", sensor, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWatchLotWebsocket(t *testing.T) {
	srv := newServer(t)
	u1 := token(t, "u1", "")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/lots/L/watch?access_token=" + u1

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot struct {
		Type  string        `json:"type"`
		Spots []domain.Spot `json:"spots"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, "snapshot", snapshot.Type)
	require.Len(t, snapshot.Spots, 2)

	resp, _ := do(t, srv, http.MethodPost, "/v1/lots/L/spots/2/reservations", u1, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var update struct {
		Type string       `json:"type"`
		Spot *domain.Spot `json:"spot"`
	}
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, "spot", update.Type)
	require.Equal(t, "2", update.Spot.ID)
	require.Equal(t, domain.SpotHeld, update.Spot.Status)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/lots/L/watch", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}
