package generichttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTableBindAndList(t *testing.T) {
	val := 1.5
	rt := RouteTable{
		MethodPath{http.MethodGet, "/x"}:  GetFloat(func() (float64, error) { return val, nil }),
		MethodPath{http.MethodPost, "/x"}: SetFloat(func(f float64) error { val = f; return nil }),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"f64": 2.25}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.25, val)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	var f FloatT
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&f))
	assert.Equal(t, 2.25, f.F64)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list-of-routes", nil))
	var routes []string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&routes))
	assert.Equal(t, []string{"GET /x", "POST /x"}, routes)
}

func TestSetFloatBadBody(t *testing.T) {
	h := SetFloat(func(float64) error { return nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("nope")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetterError(t *testing.T) {
	h := GetString(func() (string, error) { return "", errors.New("board gone") })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "board gone")
}

func TestPlainText(t *testing.T) {
	h := GetBool(func() (bool, error) { return true, nil })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, "true", rec.Body.String())
}

func TestSetString(t *testing.T) {
	var got string
	h := SetString(func(s string) error { got = s; return nil })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"str":"idle"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", got)
}
