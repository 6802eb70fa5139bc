// Package supervisor implements the Connection Supervisor (spec §4.L): one
// Dispatcher (Dispatch Loop + Completion Handler) per authenticated websocket
// connection, with its own cancellation scope. Derives a background context
// so the component's own Start doesn't get canceled out from under
// long-lived goroutines, tracks per-unit cancellation in a map, joins on
// Stop — generalized from a fixed worker pool pulling one channel to exactly
// one dispatch loop per connection.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
	"github.com/minyoung/trigger.dev/internal/dispatch"
	"github.com/minyoung/trigger.dev/internal/idgen"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/metrics"
	"github.com/minyoung/trigger.dev/internal/model"
	"github.com/minyoung/trigger.dev/internal/queue"
	"github.com/minyoung/trigger.dev/internal/registry"
	"github.com/minyoung/trigger.dev/internal/store"
	"github.com/minyoung/trigger.dev/internal/trace"
	"github.com/minyoung/trigger.dev/internal/tracewindow"
	"github.com/minyoung/trigger.dev/internal/transport"
)

// Connection is the supervisor's per-websocket-connection handle. The
// transport layer routes inbound messages to its methods and calls the
// supervisor's OnDisconnect when the socket goes away.
type Connection struct {
	id         string
	dispatcher *dispatch.Dispatcher
	completion *dispatch.CompletionHandler
	registry   *registry.Registry

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Register forwards a READY_FOR_TASKS announcement to the connection's
// worker registry.
func (c *Connection) Register(friendlyWorkerID string) error {
	return c.registry.Register(friendlyWorkerID)
}

// OnCompleted forwards a BACKGROUND_WORKER_MESSAGE completion to the
// connection's Completion Handler.
func (c *Connection) OnCompleted(ctx context.Context, friendlyAttemptID string, completion transport.Completion, execution transport.ExecutionDescriptor) error {
	return c.completion.OnCompleted(ctx, friendlyAttemptID, completion, execution)
}

// OnHeartbeat forwards a TASK_HEARTBEAT to the connection's Completion
// Handler.
func (c *Connection) OnHeartbeat(ctx context.Context, friendlyAttemptID string, extendSeconds int) error {
	return c.completion.OnHeartbeat(ctx, friendlyAttemptID, extendSeconds)
}

// HandleInbound decodes one raw transport message by its event name and
// routes it to Register, OnCompleted or OnHeartbeat (spec §4.L, §6). This is
// the one place in the module that parses the worker-facing wire format; the
// socket framing and event dispatch above it stay out of scope.
func (c *Connection) HandleInbound(ctx context.Context, eventName string, raw []byte) error {
	switch eventName {
	case transport.EventReadyForTasks:
		var msg transport.ReadyForTasks
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", eventName, err)
		}
		return c.Register(msg.BackgroundWorkerID)

	case transport.EventBackgroundWorkerMessage:
		var msg transport.BackgroundWorkerMessageIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", eventName, err)
		}
		switch msg.Data.Type {
		case transport.DataTypeTaskRunCompleted:
			if msg.Data.Completed == nil {
				return fmt.Errorf("%s: missing completion data", eventName)
			}
			attemptID := msg.Data.Completed.Execution.Attempt.ID
			return c.OnCompleted(ctx, attemptID, msg.Data.Completed.Completion, msg.Data.Completed.Execution)
		case transport.DataTypeTaskHeartbeat:
			if msg.Data.Heartbeat == nil {
				return fmt.Errorf("%s: missing heartbeat data", eventName)
			}
			return c.OnHeartbeat(ctx, msg.Data.Heartbeat.ID, 0)
		default:
			return fmt.Errorf("%s: unknown data type %q", eventName, msg.Data.Type)
		}

	default:
		return fmt.Errorf("unknown inbound event %q", eventName)
	}
}

// close stops the dispatch loop and waits for its goroutine to return. The
// current iteration, if any, finishes per spec §5's cancellation rules
// before the wait unblocks.
func (c *Connection) close() error {
	c.dispatcher.Stop()
	c.cancel()
	return c.group.Wait()
}

// Supervisor owns every currently-authenticated connection's Dispatcher.
// Implements httpserver.Checker.
type Supervisor struct {
	*core.BaseComponent

	queue     queue.Client
	store     store.Store
	recorder  trace.Recorder
	windowCfg tracewindow.Config
	ids       idgen.Generator
	metrics   *metrics.Metrics

	mu          sync.Mutex
	connections map[string]*Connection
}

func New(
	queueClient queue.Client,
	st store.Store,
	recorder trace.Recorder,
	windowCfg tracewindow.Config,
	ids idgen.Generator,
	m *metrics.Metrics,
) *Supervisor {
	return &Supervisor{
		BaseComponent: core.NewBaseComponent(consts.CompSvcSupervisor),
		queue:         queueClient,
		store:         st,
		recorder:      recorder,
		windowCfg:     windowCfg,
		ids:           ids,
		metrics:       m,
		connections:   make(map[string]*Connection),
	}
}

// OnConnect constructs a Dispatcher for a newly authenticated connection and
// starts its loop on a goroutine the supervisor can later join on. loader
// backs the per-connection worker registry; sender is the outbound half of
// the transport for this specific socket.
func (s *Supervisor) OnConnect(
	connectionID string,
	env model.AuthenticatedEnvironment,
	loader registry.Loader,
	sender transport.Sender,
) *Connection {
	reg := registry.New(env.EnvironmentID, loader)
	d := dispatch.New(env, s.queue, s.store, s.recorder, s.windowCfg, reg, sender, s.ids)
	completion := dispatch.NewCompletionHandler(env, s.queue, s.store, s.recorder, reg, d.Window())
	if s.metrics != nil {
		d.UseMetrics(s.metrics)
		completion.UseMetrics(s.metrics)
	}

	// core.Component.Start contracts promise the context handed to Start may
	// be canceled as soon as Start returns; the loop itself needs to live on
	// past that, so it gets its own derived context instead.
	loopCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error {
		d.Run(groupCtx)
		return nil
	})

	conn := &Connection{
		id:         connectionID,
		dispatcher: d,
		completion: completion,
		registry:   reg,
		cancel:     cancel,
		group:      group,
	}

	s.mu.Lock()
	s.connections[connectionID] = conn
	s.mu.Unlock()

	logging.Info(context.Background(), "connection registered", zap.String("connection_id", connectionID), zap.String("environment_id", env.EnvironmentID))
	return conn
}

// OnDisconnect stops and joins the named connection's dispatch loop, and
// removes it from the supervisor's bookkeeping. A disconnect for an unknown
// connectionID is a no-op.
func (s *Supervisor) OnDisconnect(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	conn, ok := s.connections[connectionID]
	if ok {
		delete(s.connections, connectionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.close(); err != nil {
		return fmt.Errorf("connection %s: %w", connectionID, err)
	}
	logging.Info(ctx, "connection unregistered", zap.String("connection_id", connectionID))
	return nil
}

// Connection looks up a currently-supervised connection by id.
func (s *Supervisor) Connection(connectionID string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	return c, ok
}

// Ready implements httpserver.Checker. The admin surface's readiness isn't
// gated on any particular connection count — a freshly started process with
// zero connections is still ready to accept them — so this only reports the
// component's own started state.
func (s *Supervisor) Ready() error {
	return s.HealthCheck()
}

// Stop disconnects every active connection, waiting for each dispatch loop
// to finish its in-flight iteration.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.OnDisconnect(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.BaseComponent.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
