// Package firehose adapts a repository event stream served over WebSocket to stream.Source.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultCloseTimeout = time.Second
	remoteConsumerSlow  = "ConsumerTooSlow"
)

var errMissingURL = errors.New("firehose: service url is required")

type SourceConfig struct {
	URL          string
	Dialer       *websocket.Dialer
	Header       http.Header
	CloseTimeout time.Duration
	Logger       *zap.Logger
}

// Source dials a fresh WebSocket per subscription.
type Source struct {
	base         string
	dialer       *websocket.Dialer
	header       http.Header
	closeTimeout time.Duration
	logger       *zap.Logger
}

func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	base, err := ServiceBase(cfg.URL)
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		base:         base,
		dialer:       dialer,
		header:       cfg.Header,
		closeTimeout: closeTimeout,
		logger:       logger,
	}, nil
}

// Base returns the normalized service address.
func (s *Source) Base() string {
	return s.base
}

// Subscribe opens the stream. Handshake failures are classified for retry: 5xx and 429
// responses and network errors are transient, other statuses are fatal.
func (s *Source) Subscribe(ctx context.Context, resumeFrom *int64) (stream.Subscription, error) {
	endpoint := SubscribeURL(s.base, resumeFrom)
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.header)
	if err != nil {
		return nil, classifyDialError(ctx, resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.logger.Info("firehose connected", zap.String("endpoint", endpoint))
	sub := &subscription{
		conn:         conn,
		events:       make(chan stream.CommitEvent),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		closeTimeout: s.closeTimeout,
		logger:       s.logger,
	}
	go sub.readLoop()
	return sub, nil
}

func classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if resp != nil {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		statusErr := fmt.Errorf("firehose: handshake failed with status %d: %w", resp.StatusCode, err)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return retry.Retriable(statusErr)
		}
		return retry.Fatal(statusErr)
	}
	return retry.Retriable(fmt.Errorf("firehose: dial: %w", err))
}

type subscription struct {
	conn         *websocket.Conn
	events       chan stream.CommitEvent
	closing      chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
	closeTimeout time.Duration
	logger       *zap.Logger

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan stream.CommitEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a close frame within the close timeout, tears the socket down and waits for
// the reader to exit. Events already handed out are unaffected.
func (s *subscription) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closing)
		deadline := time.Now().Add(s.closeTimeout)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("failed to write close message", zap.Error(err))
		}
		closeErr = s.conn.Close()
	})
	<-s.done
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (s *subscription) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosing() {
				return
			}
			s.setErr(classifyReadError(err))
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		decoded, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("skipping undecodable firehose frame", zap.Error(err))
			continue
		}
		if decoded.remote != nil {
			s.setErr(classifyRemoteError(decoded.remote))
			return
		}
		if decoded.info != nil {
			s.logger.Info("firehose info",
				zap.String("name", decoded.info.Name),
				zap.String("message", decoded.info.Message))
			continue
		}
		if len(decoded.dropped) > 0 {
			s.logger.Warn("firehose commit ops without record",
				zap.Strings("paths", decoded.dropped),
				zap.Bool("too_big", decoded.tooBig))
		}
		for _, event := range decoded.events {
			select {
			case s.events <- event:
			case <-s.closing:
				return
			}
		}
	}
}

func (s *subscription) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			return stream.ErrClosed
		case websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseInternalServerErr,
			websocket.CloseServiceRestart,
			websocket.CloseTryAgainLater:
			return retry.Retriable(fmt.Errorf("firehose: connection closed: %w", err))
		default:
			return retry.Fatal(fmt.Errorf("firehose: connection closed: %w", err))
		}
	}
	return retry.Retriable(fmt.Errorf("firehose: read: %w", err))
}

func classifyRemoteError(remote *RemoteError) error {
	if remote.Name == remoteConsumerSlow {
		return retry.Retriable(remote)
	}
	return retry.Fatal(remote)
}
