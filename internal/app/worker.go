package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/ipc"
	"github.com/vovakirdan/wiregate/internal/relay"
)

// Worker is a headless process that consumes routed events for relay.service and talks to
// its parent over stdio.
type Worker struct {
	id     string
	cfg    config.Config
	engine *core.Engine
	relay  *relay.Relay
	log    *zerolog.Logger
}

// NewWorker connects a worker to the broker. The relay must be enabled with a service.
func NewWorker(cfg config.Config, logger *zerolog.Logger) (*Worker, error) {
	if !cfg.Relay.Enabled || cfg.Relay.Service == "" {
		return nil, errors.New("worker needs relay.enabled and relay.service")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	id := os.Getenv(ipc.EnvWorkerID)
	if id == "" {
		id = "worker"
	}
	log := logger.With().Str("worker", id).Logger()

	engine := core.NewEngine(core.Options{Logger: &log})
	r, err := relay.Connect(relayConfig(cfg.Relay), engine, &log)
	if err != nil {
		return nil, fmt.Errorf("connect relay: %w", err)
	}
	engine.AttachRelay(r)

	return &Worker{id: id, cfg: cfg, engine: engine, relay: r, log: &log}, nil
}

// Engine exposes the worker's engine for handler registration.
func (w *Worker) Engine() *core.Engine { return w.engine }

// Run starts consuming, announces readiness on out and blocks until in reaches EOF or ctx
// is cancelled. The relay is drained before Run returns.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := w.relay.Start(ctx); err != nil {
		w.close()
		return fmt.Errorf("start relay: %w", err)
	}
	defer w.close()

	link := ipc.NewLink(in, out, w.log)
	info := WorkerInfo{ID: w.id, Service: w.cfg.Relay.Service, Node: w.relay.NodeID()}
	if err := ipc.Emit(link, ipc.Parent, EventWorkerReady, info); err != nil {
		return err
	}
	w.log.Info().Str("service", info.Service).Msg("worker ready")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-link.Messages():
			if !ok {
				w.log.Info().Msg("parent closed the link, stopping")
				return nil
			}
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg ipc.Message) {
	switch msg.Event {
	case EventWorkerJoined:
		var peer WorkerInfo
		if err := msg.Decode(&peer); err != nil {
			w.log.Warn().Err(err).Msg("bad worker:joined payload")
			return
		}
		w.log.Info().Str("peer", peer.ID).Str("peer_service", peer.Service).Msg("sibling worker joined")
	default:
		w.log.Debug().Str("event", msg.Event).Str("from", msg.From).Msg("unhandled ipc message")
	}
}

func (w *Worker) close() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Relay.DrainTimeout+w.cfg.ShutdownTimeout)
	defer cancel()
	if err := w.relay.Close(ctx); err != nil {
		w.log.Warn().Err(err).Msg("failed to close relay")
	}
}
