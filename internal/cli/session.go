package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbeoliero/rtchat/internal/session"
)

// startSession signs in and serves metrics when configured. The returned
// stop func logs out and shuts the metrics listener down.
func startSession(ctx context.Context, opts *RootOptions) (*session.Session, func(), error) {
	if opts.Token == "" {
		return nil, nil, errors.New("no access token: pass --token or set RTCHAT_TOKEN")
	}

	s, err := session.New(opts.cfg)
	if err != nil {
		return nil, nil, err
	}

	srv := serveMetrics(ctx, opts.cfg.Metrics.Addr)

	if err := s.Start(ctx, opts.Token); err != nil {
		s.Logout()
		shutdown(srv)
		return nil, nil, err
	}

	stop := func() {
		s.Logout()
		shutdown(srv)
	}
	return s, stop, nil
}

func serveMetrics(ctx context.Context, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.CtxInfo(ctx, "metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.CtxWarn(ctx, "metrics server stopped: error=%v", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
