package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/generichttp/axis"
	"github.com/berr-exo/exodrive/generichttp/locker"
	"github.com/berr-exo/exodrive/motor"
	"github.com/berr-exo/exodrive/telemetry"
	"github.com/berr-exo/exodrive/util"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
)

// axisEndpoint is where the axis routes are mounted
const axisEndpoint = "/axis"

// buildMux mounts the axis behind its lock and torque limit, the telemetry
// stream, and a route listing every endpoint
func buildMux(h *axis.HTTPAxis, hub http.Handler) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	limiter := axis.LimitMiddleware{Limit: util.Symmetric(h.Limits.MaxTorque())}
	limiter.Inject(h)
	lock := locker.New()
	locker.Inject(h, lock)

	r := chi.NewRouter()
	r.Use(lock.Check)
	r.Use(limiter.Check)
	h.RT().Bind(r)
	root.Mount(axisEndpoint, r)

	if hub != nil {
		root.Handle("/stream", hub)
	}
	supergraph := map[string][]string{axisEndpoint: h.RT().Endpoints()}
	root.Get("/route-list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(supergraph); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

// serve runs the configured law and exposes the axis over HTTP until the
// operator quits or the process is interrupted
func (a *app) serve(ctx context.Context, args []string) error {
	s, lim, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	law, err := newLaw(a.cfg, a.cfg.HTTP.Law, lim.MaxTorque())
	if err != nil {
		return err
	}
	if err := s.enterClosedLoop(ctx, motor.ControlTorque); err != nil {
		return err
	}
	hub := telemetry.NewHub(lim.TorqueConstant, a.log.Named("stream"))
	defer hub.Close()
	r, closeSinks := s.newRunner(law, lim, hub)
	defer closeSinks()
	defer s.shutdown(r)

	h := axis.NewHTTPAxis(s.axis, r, lim, a.log.Named("http"))
	h.CalOpts = a.cfg.CalibrateOptions()
	h.CalOpts.Describe = describe
	h.CalOpts.Logger = a.log.Named("calibrate")
	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: buildMux(h, hub)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		cancel()
	}()
	console.Good(a.out, "Serving %s law on %s, axis routes under %s, telemetry stream at /stream", a.cfg.HTTP.Law, srv.Addr, axisEndpoint)
	fmt.Fprintf(a.out, "Type a %s and press Enter to retune, q to quit\n", lawParam(a.cfg.HTTP.Law))
	// without a console the loop runs until interrupted
	op := console.Operator{Out: a.out, Limit: lim.MaxTorque(), Capture: true, Param: lawParam(a.cfg.HTTP.Law), Detached: true}
	go op.Run(ctx, s.lines, r)

	runErr := r.Run(ctx)
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warnw("http shutdown", "error", err)
	}
	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	default:
	}
	return runErr
}
