package axis

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/berr-exo/exodrive/generichttp"
	"github.com/berr-exo/exodrive/util"
	"github.com/pkg/errors"
)

var errClamped = errors.New("requested torque violates software limits, rejected")

// LimitMiddleware rejects torque requests outside a software limit before
// they reach the loop
type LimitMiddleware struct {
	// Limit is the allowed range of setpoint and resistance values, in Nm
	Limit util.Limiter
}

// Check verifies a POST to /setpoint or /resistance lies within Limit,
// and if it does not, responds with StatusBadRequest;
// otherwise, flows control to the next handler
func (l LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if r.Method != http.MethodPost || !(strings.HasSuffix(p, "/setpoint") || strings.HasSuffix(p, "/resistance")) {
			next.ServeHTTP(w, r)
			return
		}
		// downstream handlers want the body too; read it here and paste it back
		body, err := ioutil.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = ioutil.NopCloser(bytes.NewReader(body))
		f := generichttp.FloatT{}
		if err = json.Unmarshal(body, &f); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if strings.HasSuffix(p, "/resistance") && cmd < 0 {
			cmd = -cmd
		}
		if !l.Limit.Check(cmd) {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /torque-limit route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/torque-limit"}] = func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, l.Limit)
	}
}
