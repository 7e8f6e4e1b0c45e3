package stepservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/caravanhq/caravan/pkg/log"
	"github.com/caravanhq/caravan/pkg/types"
)

// shutdownGrace bounds how long a terminating child waits for in-flight
// work and event flushes.
const shutdownGrace = 5 * time.Second

// Run binds 127.0.0.1:<port> and serves until ctx is cancelled, then shuts
// down gracefully.
func Run(ctx context.Context, svc *Service, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	srv := &http.Server{Handler: svc.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger := log.WithService(svc.cfg.ServiceName)
	logger.Info().Str("addr", addr).Msg("child service listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("forced shutdown after grace period")
	}
	return nil
}

// HTTPEmitter posts business events to the engine's internal event intake.
type HTTPEmitter struct {
	engineURL string
	httpc     *http.Client
}

// NewHTTPEmitter creates an emitter against the engine URL.
func NewHTTPEmitter(engineURL string) *HTTPEmitter {
	return &HTTPEmitter{
		engineURL: engineURL,
		httpc:     &http.Client{Timeout: 3 * time.Second},
	}
}

// EmitBusiness delivers one business event. Best effort; the engine's
// fan-out owns retries toward the platform.
func (e *HTTPEmitter) EmitBusiness(ctx context.Context, ev types.BusinessEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.engineURL+"/api/events/business", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("event intake returned HTTP %d", resp.StatusCode)
	}
	return nil
}
