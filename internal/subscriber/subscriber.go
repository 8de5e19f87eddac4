// Package subscriber owns the database connection for one source and
// drives its SUBSCRIBE query, surfacing framed records through callbacks.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/tycoworks/tycostream-sub001/internal/protocol"
)

// Config holds the upstream database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// ConnectTimeout bounds connection establishment. The streaming
	// query itself never times out.
	ConnectTimeout time.Duration
}

// DSN renders the config as a postgres connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Database)
}

// Subscriber runs COPY (SUBSCRIBE ...) TO STDOUT on one connection and
// feeds the resulting byte stream through the protocol codec. Runtime
// failures are reported through onError exactly once; a clean
// end-of-stream after Stop is not an error.
type Subscriber struct {
	cfg    Config
	codec  *protocol.Codec
	logger *logrus.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc

	errOnce sync.Once
}

// New creates a subscriber for one source.
func New(cfg Config, codec *protocol.Codec, logger *logrus.Logger) *Subscriber {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Subscriber{cfg: cfg, codec: codec, logger: logger}
}

// Start connects, issues the COPY query, and spawns the reader. Startup
// failures are returned synchronously. Calling Start while already
// running is a no-op with a warning.
func (s *Subscriber) Start(onRecord func(protocol.Record), onError func(error)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Subscriber already running; ignoring start")
		return nil
	}
	s.running = true
	s.stopping = false
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer connectCancel()
	conn, err := pgx.Connect(connectCtx, s.cfg.DSN())
	if err != nil {
		s.finish()
		return fmt.Errorf("connect to %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	query := fmt.Sprintf("COPY (%s) TO STDOUT", s.codec.BuildSubscribeQuery())
	go s.read(ctx, conn, query, onRecord, onError)
	return nil
}

// read drives the COPY stream until the query fails or Stop cancels it.
func (s *Subscriber) read(ctx context.Context, conn *pgx.Conn, query string, onRecord func(protocol.Record), onError func(error)) {
	writer := &streamWriter{sub: s, onRecord: onRecord}
	_, err := conn.PgConn().CopyTo(ctx, writer, query)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	conn.Close(closeCtx)

	if s.isStopping() {
		s.finish()
		return
	}
	s.finish()

	if err == nil || errors.Is(err, context.Canceled) {
		// SUBSCRIBE never completes on its own; a clean COPY end before
		// Stop means the upstream went away.
		err = fmt.Errorf("unexpected end of stream")
	}
	s.errOnce.Do(func() { onError(err) })
}

// Stop marks the subscriber as shutting down and cancels the stream.
// Records still in flight are discarded silently.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Subscriber) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Subscriber) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// streamWriter adapts the COPY byte stream to the codec: chunks are
// reassembled into lines and parsed into records.
type streamWriter struct {
	sub      *Subscriber
	buffer   protocol.LineBuffer
	onRecord func(protocol.Record)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.sub.isStopping() {
		return len(p), nil
	}
	for _, line := range w.buffer.Feed(p) {
		if rec := w.sub.codec.ParseLine(line); rec != nil {
			w.onRecord(*rec)
		}
	}
	return len(p), nil
}
