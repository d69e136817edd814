package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/ipc"
)

// IPC events exchanged between `serve` and its workers.
const (
	EventWorkerReady  = "worker:ready"
	EventWorkerJoined = "worker:joined"
)

// WorkerInfo is the payload of worker:ready and worker:joined.
type WorkerInfo struct {
	ID      string `json:"id"`
	Service string `json:"service,omitempty"`
	Node    string `json:"node,omitempty"`
}

// supervisor spawns the configured number of workers, introduces each ready worker to its
// siblings and stops them on shutdown.
type supervisor struct {
	cmd    []string
	count  int
	grace  time.Duration
	router *ipc.Router
	log    *zerolog.Logger

	mu    sync.Mutex
	ready map[string]WorkerInfo
}

func newSupervisor(cmd []string, cfg config.Config, logger *zerolog.Logger) *supervisor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &supervisor{
		cmd:   cmd,
		count: cfg.Workers,
		grace: cfg.Relay.DrainTimeout + cfg.ShutdownTimeout,
		log:   logger,
		ready: make(map[string]WorkerInfo),
	}
	s.router = ipc.NewRouter(s.control, logger)
	return s
}

func (s *supervisor) control(msg ipc.Message) {
	switch msg.Event {
	case EventWorkerReady:
		var info WorkerInfo
		if err := msg.Decode(&info); err != nil {
			s.log.Warn().Err(err).Str("process", msg.From).Msg("bad worker:ready payload")
			return
		}
		info.ID = msg.From
		s.mu.Lock()
		s.ready[info.ID] = info
		s.mu.Unlock()

		n := s.router.Broadcast(EventWorkerJoined, info, info.ID)
		s.log.Info().Str("worker", info.ID).Str("service", info.Service).Int("notified", n).Msg("worker ready")
	default:
		s.log.Debug().Str("process", msg.From).Str("event", msg.Event).Msg("unhandled worker message")
	}
}

// Ready returns the workers that reported worker:ready.
func (s *supervisor) Ready() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.ready))
	for _, info := range s.ready {
		out = append(out, info)
	}
	return out
}

func (s *supervisor) run(ctx context.Context) error {
	if len(s.cmd) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker executable: %w", err)
		}
		s.cmd = []string{exe, "worker"}
	}

	// Children outlive ctx by the grace period so they can drain.
	procCtx, kill := context.WithCancel(context.Background())
	defer kill()

	children := make([]*ipc.Child, 0, s.count)
	for i := 0; i < s.count; i++ {
		id := "worker-" + uuid.NewString()[:8]
		child, err := ipc.Spawn(procCtx, id, s.cmd[0], s.cmd[1:], s.log)
		if err != nil {
			s.stop(children, kill)
			return fmt.Errorf("spawn worker: %w", err)
		}
		if err := s.router.Register(id, child); err != nil {
			_ = child.Close()
			s.stop(children, kill)
			return err
		}
		children = append(children, child)
		s.log.Info().Str("worker", id).Int("pid", child.PID()).Msg("worker started")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		g.Go(func() error {
			select {
			case <-child.Done():
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %s exited: %w", child.ID, exitErr(child.Wait()))
			case <-gctx.Done():
				return nil
			}
		})
	}
	err := g.Wait()

	s.stop(children, kill)
	return err
}

// stop closes every child's stdin and kills whatever has not exited after the grace period.
func (s *supervisor) stop(children []*ipc.Child, kill context.CancelFunc) {
	for _, child := range children {
		_ = child.Close()
	}
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for _, child := range children {
		select {
		case <-child.Done():
		case <-deadline.C:
			s.log.Warn().Msg("workers did not stop in time, killing")
			kill()
			<-child.Done()
		}
	}
	kill()
	s.router.Wait()
}

func exitErr(err error) error {
	if err == nil {
		return errors.New("unexpected exit")
	}
	return err
}
