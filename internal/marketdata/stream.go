package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/pkg/logger"
	"github.com/betbot/p2prelease/pkg/sigchan"
	"github.com/betbot/p2prelease/pkg/syncgroup"
)

const (
	DefaultStreamURL = "wss://stream.binance.com:9443/ws"

	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// SnapshotSource provides the REST depth snapshot the stream is seeded from.
type SnapshotSource interface {
	OrderBook(ctx context.Context, symbol string, limit int) (*domain.OrderBook, error)
}

// StreamConfig configures a DepthStream.
type StreamConfig struct {
	URL            string // base websocket URL, without the stream name
	Symbol         string
	SnapshotLimit  int
	ReconnectDelay time.Duration
}

// DepthStream maintains a local order book of one symbol from the <symbol>@depth stream.
// It reconnects and reseeds on read errors and update gaps until Close.
type DepthStream struct {
	cfg       StreamConfig
	snapshots SnapshotSource
	book      *Book
	log       *logrus.Entry
	now       func() time.Time

	connMu     sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	stop       context.CancelFunc

	reconnect *sigchan.Chan
	closeC    chan struct{}
	closeOnce sync.Once
	sg        *syncgroup.SyncGroup
	connSg    *syncgroup.SyncGroup
}

func NewDepthStream(cfg StreamConfig, snapshots SnapshotSource, log *logrus.Entry) *DepthStream {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 100
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	return &DepthStream{
		cfg:       cfg,
		snapshots: snapshots,
		book:      NewBook(),
		log:       logger.OrDefault(log, "depth-stream").WithField("symbol", cfg.Symbol),
		now:       time.Now,
		reconnect: sigchan.New(1),
		closeC:    make(chan struct{}),
		sg:        syncgroup.NewSyncGroup(),
		connSg:    syncgroup.NewSyncGroup(),
	}
}

// Book exposes the local book.
func (s *DepthStream) Book() *Book { return s.book }

// BestAsk returns the lowest ask of the local book and its age.
func (s *DepthStream) BestAsk() (decimal.Decimal, time.Duration, bool) {
	price, at, ok := s.book.BestAsk()
	if !ok {
		return price, 0, false
	}
	return price, s.now().Sub(at), true
}

// Start connects in the background. A failed first connection is retried like any
// later disconnect.
func (s *DepthStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.connMu.Lock()
	s.stop = cancel
	s.connMu.Unlock()
	s.sg.Add(func() { s.reconnector(ctx) })
	s.sg.Run()
}

// Close stops reconnecting, closes the connection and waits for the goroutines.
func (s *DepthStream) Close() error {
	s.closeOnce.Do(func() { close(s.closeC) })
	s.connMu.Lock()
	if s.stop != nil {
		s.stop()
	}
	if s.connCancel != nil {
		s.connCancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	// connect only runs on the reconnector goroutine: once it is gone no read or ping
	// goroutine can be started.
	s.sg.Wait()
	s.connSg.Wait()
	return nil
}

func (s *DepthStream) closed() bool {
	select {
	case <-s.closeC:
		return true
	default:
		return false
	}
}

func (s *DepthStream) streamURL() string {
	return strings.TrimRight(s.cfg.URL, "/") + "/" + strings.ToLower(s.cfg.Symbol) + "@depth"
}

func (s *DepthStream) connect(ctx context.Context) error {
	if s.closed() {
		return errors.New("depth stream closed")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Events buffered by the server while the snapshot is fetched are dropped by Apply
	// when already covered.
	snap, err := s.snapshots.OrderBook(ctx, s.cfg.Symbol, s.cfg.SnapshotLimit)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.book.Seed(snap, s.now())

	s.connMu.Lock()
	if s.closed() {
		s.connMu.Unlock()
		_ = conn.Close()
		return errors.New("depth stream closed")
	}
	if s.connCancel != nil {
		s.connCancel()
	}
	connCtx, cancel := context.WithCancel(ctx)
	s.conn = conn
	s.connCancel = cancel
	s.connMu.Unlock()

	// Old read/ping goroutines exit on their cancelled context.
	s.connSg.Wait()
	s.connSg.Add(func() { s.read(connCtx, conn, cancel) })
	s.connSg.Add(func() { s.ping(connCtx, conn) })
	s.connSg.Run()

	s.log.WithField("lastUpdateId", snap.LastUpdateID).Info("depth stream connected")
	return nil
}

func (s *DepthStream) reconnector(ctx context.Context) {
	if err := s.connect(ctx); err != nil {
		s.log.WithError(err).Warn("depth stream connect failed")
		s.reconnect.Emit()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-s.reconnect.C():
		}
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
		s.log.Info("reconnecting depth stream")
		if err := s.connect(ctx); err != nil {
			s.log.WithError(err).Warn("depth stream reconnect failed")
			s.reconnect.Emit()
		}
	}
}

func (s *DepthStream) read(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if ctx.Err() != nil || s.closed() {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.closed() {
				return
			}
			s.log.WithError(err).Warn("depth stream read failed")
			s.book.Reset()
			_ = conn.Close()
			s.reconnect.Emit()
			return
		}
		var ev DepthEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.log.WithError(err).Debug("skip malformed depth event")
			continue
		}
		if err := s.book.Apply(ev, s.now()); err != nil {
			s.log.WithFields(logrus.Fields{"U": ev.FirstUpdateID, "lastUpdateId": s.book.LastUpdateID()}).
				Warn("depth update gap, resyncing")
			s.book.Reset()
			_ = conn.Close()
			s.reconnect.Emit()
			return
		}
	}
}

// ping closes the connection when a ping cannot be written; read then schedules the reconnect.
func (s *DepthStream) ping(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
