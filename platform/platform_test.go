package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHTTPEmitter(t *testing.T) {
	t.Run("posts event with token", func(t *testing.T) {
		var got Event
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/events", r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		e := NewHTTPEmitter(srv.URL+"/", "secret", srv.Client())
		err := e.EmitEvent(context.Background(), Event{
			ID:       "id-1",
			ToUserID: "abc-123",
			Key:      "on_new_message",
			Content:  "hi there",
			RawEvent: json.RawMessage(`{"update_id":1}`),
		})
		require.NoError(t, err)

		assert.Equal(t, "Bearer secret", auth)
		assert.Equal(t, "abc-123", got.ToUserID)
		assert.Equal(t, "hi there", got.Content)
		assert.JSONEq(t, `{"update_id":1}`, string(got.RawEvent))
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown user", http.StatusNotFound)
		}))
		defer srv.Close()

		err := NewHTTPEmitter(srv.URL, "", srv.Client()).EmitEvent(context.Background(), Event{ID: "x"})
		assert.ErrorIs(t, err, ErrEmit)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("unreadable error body", func(t *testing.T) {
		client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(io.MultiReader(strings.NewReader("par"), failingReader{})),
			}, nil
		})}

		err := NewHTTPEmitter("http://plaza.invalid", "", client).EmitEvent(context.Background(), Event{ID: "x"})
		assert.ErrorIs(t, err, ErrEmit)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Contains(t, err.Error(), "502")
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

type fakeService struct {
	callErr   error
	calls     []string
	callbacks []string
}

func (f *fakeService) HandleCall(_ context.Context, functionName string, args []string, caller string) (any, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s(%s)#%s", functionName, strings.Join(args, ","), caller))
	return nil, f.callErr
}

func (f *fakeService) HandleDataCallback(_ context.Context, name, caller string) (map[string]RoomInfo, error) {
	f.callbacks = append(f.callbacks, name+"#"+caller)
	return map[string]RoomInfo{"room-9": {Name: "Team Chat"}}, nil
}

func (f *fakeService) RegistrationInstructions(id string) string {
	return "/register " + id
}

func doRequest(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServerCalls(t *testing.T) {
	tests := []struct {
		name       string
		callErr    error
		body       string
		token      string
		wantStatus int
	}{
		{"ok", nil, `{"function_name":"send_message","arguments":["1","hi"],"user_id":"p1"}`, "secret", http.StatusOK},
		{"missing token", nil, `{"function_name":"send_message","user_id":"p1"}`, "", http.StatusUnauthorized},
		{"wrong token", nil, `{"function_name":"send_message","user_id":"p1"}`, "nope", http.StatusUnauthorized},
		{"invalid body", nil, `{"arguments":[]}`, "secret", http.StatusBadRequest},
		{"not supported", fmt.Errorf("%w: %q", ErrNotSupported, "dance"), `{"function_name":"dance","user_id":"p1"}`, "secret", http.StatusNotFound},
		{"bad arguments", ErrBadArguments, `{"function_name":"send_message","user_id":"p1"}`, "secret", http.StatusBadRequest},
		{"delivery", fmt.Errorf("%w: chat not found", ErrDelivery), `{"function_name":"send_message","arguments":["1","x"],"user_id":"p1"}`, "secret", http.StatusBadGateway},
		{"internal", errors.New("boom"), `{"function_name":"send_message","arguments":["1","x"],"user_id":"p1"}`, "secret", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{callErr: tt.callErr}
			h := NewServer(svc, "secret", nil).Handler()

			w := doRequest(t, h, http.MethodPost, "/v1/calls", tt.body, tt.token)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	t.Run("passes arguments through", func(t *testing.T) {
		svc := &fakeService{}
		h := NewServer(svc, "secret", nil).Handler()

		doRequest(t, h, http.MethodPost, "/v1/calls",
			`{"function_name":"send_message","arguments":["room-9","hello"],"user_id":"abc-123"}`, "secret")
		assert.Equal(t, []string{"send_message(room-9,hello)#abc-123"}, svc.calls)
	})
}

func TestServerCallback(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(svc, "secret", nil).Handler()

	w := doRequest(t, h, http.MethodGet, "/v1/callbacks/get_known_channels?user_id=abc-123", "", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"room-9":{"name":"Team Chat"}}}`, w.Body.String())
	assert.Equal(t, []string{"get_known_channels#abc-123"}, svc.callbacks)

	w = doRequest(t, h, http.MethodGet, "/v1/callbacks/get_known_channels", "", "secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerRegistration(t *testing.T) {
	h := NewServer(&fakeService{}, "secret", nil).Handler()

	w := doRequest(t, h, http.MethodGet, "/v1/registration?user_id=abc-123", "", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"/register abc-123"}`, w.Body.String())
}

func TestServerHealth(t *testing.T) {
	t.Run("reports details without auth", func(t *testing.T) {
		h := NewServer(&fakeService{}, "secret", func(context.Context) (any, error) {
			return map[string]int64{"offset": 8}, nil
		}).Handler()

		w := doRequest(t, h, http.MethodGet, "/healthz", "", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok","details":{"offset":8}}`, w.Body.String())
	})

	t.Run("unavailable", func(t *testing.T) {
		h := NewServer(&fakeService{}, "secret", func(context.Context) (any, error) {
			return nil, errors.New("database is locked")
		}).Handler()

		w := doRequest(t, h, http.MethodGet, "/healthz", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
