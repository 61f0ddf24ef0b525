// Package axis provides an HTTP interface to one motor axis and the
// setpoint loop running on it
package axis

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/berr-exo/exodrive/calibrate"
	"github.com/berr-exo/exodrive/generichttp"
	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/motor"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

var (
	errNoLoop      = errors.New("no setpoint loop is running on this axis")
	errLoopBusy    = errors.New("setpoint loop command queue is full")
	errCalibrating = errors.New("a calibration is already running")
	errLoopActive  = errors.New("stop the setpoint loop before calibrating")
)

// Looper is a running setpoint loop
type Looper interface {
	Send(loop.Command) bool
	Latest() loop.Status
}

// HTTPAxis wraps an axis and, optionally, the loop driving it
type HTTPAxis struct {
	Axis   motor.Axis
	Loop   Looper
	Limits motor.Limits

	// CalOpts are used for POST /calibrate
	CalOpts calibrate.Options

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	log         golog.Logger
	mu          sync.Mutex
	calibrating bool
}

// NewHTTPAxis returns a new HTTP wrapper around ax.  lp may be nil, in which
// case the loop routes are not bound.
func NewHTTPAxis(ax motor.Axis, lp Looper, limits motor.Limits, logger golog.Logger) *HTTPAxis {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("http")
	}
	h := &HTTPAxis{Axis: ax, Loop: lp, Limits: limits, log: logger}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/telemetry"}: h.GetTelemetry,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}:     h.GetState,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/state"}:    h.SetState,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/limits"}:    h.GetLimits,
	}
	if lp != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = h.GetStatus
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/setpoint"}] = generichttp.GetFloat(func() (float64, error) {
			return lp.Latest().Commanded, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/setpoint"}] = generichttp.SetFloat(h.send(false))
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/resistance"}] = generichttp.GetFloat(func() (float64, error) {
			return lp.Latest().Magnitude, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/resistance"}] = generichttp.SetFloat(h.send(true))
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/capture"}] = h.Capture
	}
	if c, ok := ax.(motor.Calibrator); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/fault"}] = h.getFault(c)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/calibrate"}] = h.calibrate(c)
	}
	h.RouteTable = rt
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPAxis) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetTelemetry reads the axis and returns the snapshot as JSON
func (h *HTTPAxis) GetTelemetry(w http.ResponseWriter, r *http.Request) {
	tel, err := h.Axis.Telemetry(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.RespondJSON(w, tel)
}

// GetStatus returns the loop's latest Status as JSON
func (h *HTTPAxis) GetStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Loop.Latest())
}

// GetLimits returns the motor limits and the torque they allow
func (h *HTTPAxis) GetLimits(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, struct {
		motor.Limits
		MaxTorque float64 `json:"maxTorque"`
	}{h.Limits, h.Limits.MaxTorque()})
}

// GetState returns the name of the state the axis is in
func (h *HTTPAxis) GetState(w http.ResponseWriter, r *http.Request) {
	s, err := h.Axis.CurrentState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: s.String()}
	hp.EncodeAndRespond(w, r)
}

// SetState requests the state named by {"str": name}.  Closed loop control
// is refused while a loop is not running, since nothing would refresh the setpoint.
func (h *HTTPAxis) SetState(w http.ResponseWriter, r *http.Request) {
	s := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&s)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, err := motor.ParseState(s.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st == motor.StateClosedLoop && h.Loop == nil {
		http.Error(w, errNoLoop.Error(), http.StatusConflict)
		return
	}
	if err = h.Axis.RequestState(r.Context(), st); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Infow("state requested over HTTP", "state", st, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPAxis) send(magnitude bool) func(float64) error {
	return func(f float64) error {
		if magnitude && f < 0 {
			f = -f
		}
		if !h.Loop.Send(loop.Command{Kind: loop.Retune, Value: f}) {
			return errLoopBusy
		}
		return nil
	}
}

// Capture latches the current position as the start of the window
func (h *HTTPAxis) Capture(w http.ResponseWriter, r *http.Request) {
	if !h.Loop.Send(loop.Command{Kind: loop.Capture}) {
		http.Error(w, errLoopBusy.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// fault is the JSON form of motor.Fault
type fault struct {
	ActiveErrors uint32 `json:"activeErrors"`
	DisarmReason uint32 `json:"disarmReason"`
	Description  string `json:"description,omitempty"`
	OK           bool   `json:"ok"`
}

func (h *HTTPAxis) getFault(c motor.Calibrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := c.Fault(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := fault{ActiveErrors: f.ActiveErrors, DisarmReason: f.DisarmReason, OK: f.OK()}
		if h.CalOpts.Describe != nil && !f.OK() {
			out.Description = h.CalOpts.Describe(f.ActiveErrors | f.DisarmReason)
		}
		generichttp.RespondJSON(w, out)
	}
}

func (h *HTTPAxis) calibrate(c motor.Calibrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind, err := calibrate.ParseKind(strings.TrimSpace(s.Str))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if h.Loop != nil {
			http.Error(w, errLoopActive.Error(), http.StatusConflict)
			return
		}
		h.mu.Lock()
		if h.calibrating {
			h.mu.Unlock()
			http.Error(w, errCalibrating.Error(), http.StatusConflict)
			return
		}
		h.calibrating = true
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			h.calibrating = false
			h.mu.Unlock()
		}()

		h.log.Infow("calibration requested over HTTP", "kind", kind, "remote", r.RemoteAddr)
		res, err := calibrate.Run(r.Context(), c, kind, h.CalOpts)
		if err != nil {
			h.log.Errorw("calibration failed", "kind", kind, "error", err)
			code := http.StatusInternalServerError
			if errors.Cause(err) == calibrate.ErrCalibrationTimeout {
				code = http.StatusGatewayTimeout
			}
			http.Error(w, err.Error(), code)
			return
		}
		generichttp.RespondJSON(w, res)
	}
}
