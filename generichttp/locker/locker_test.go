package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/berr-exo/exodrive/generichttp"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestLockBouncesWrites(t *testing.T) {
	hits := 0
	rt := table{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/setpoint"}: func(w http.ResponseWriter, r *http.Request) { hits++ },
		generichttp.MethodPath{Method: http.MethodGet, Path: "/setpoint"}:  func(w http.ResponseWriter, r *http.Request) { hits++ },
	}
	l := New()
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	do := func(method, path, body string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/setpoint", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/setpoint", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/setpoint", ""))
	assert.Equal(t, 2, hits)

	l.ProtectReads = true
	assert.Equal(t, http.StatusLocked, do(http.MethodGet, "/setpoint", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/lock", ""))

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool":false}`))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/setpoint", ""))
	assert.Equal(t, 3, hits)
}

func TestHTTPSetBadBody(t *testing.T) {
	rec := httptest.NewRecorder()
	New().HTTPSet(rec, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
