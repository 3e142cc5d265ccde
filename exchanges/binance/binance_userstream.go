package binance

import (
	"context"
	"time"

	"github.com/tidemark-io/tidemark/exchanges/websocket"
	"github.com/tidemark-io/tidemark/log"
)

const (
	// listenKeyKeepAlive is well inside the venue's 60 minute key expiry
	listenKeyKeepAlive = 30 * time.Minute

	// authFailureLimit consecutive listen key failures before the connector
	// is marked disconnected and retries shift to the long backoff
	authFailureLimit = 3
)

// UserSource streams the authenticated user data channel. Each session
// obtains a fresh listen key, keeps it alive, and reconnects with a new key
// after any failure.
type UserSource struct {
	api    *API
	wsBase string

	// OnAuthFailure fires after authFailureLimit consecutive listen key
	// failures; the connector flips its network status on it
	OnAuthFailure func()
}

// NewUserSource returns the private stream adapter
func NewUserSource(api *API) *UserSource {
	return &UserSource{api: api, wsBase: wsURL}
}

// ListenForUserStream implements userstream.DataSource
func (s *UserSource) ListenForUserStream(ctx context.Context, out chan<- []byte) {
	authFailures := 0
	for {
		err := s.runSession(ctx, out, &authFailures)
		if ctx.Err() != nil {
			return
		}
		backoff := websocket.TransientErrorBackoff
		if authFailures >= authFailureLimit {
			if s.OnAuthFailure != nil {
				s.OnAuthFailure()
			}
			backoff = websocket.UnexpectedErrorBackoff
		}
		log.Errorf(log.UserStream, "%s user stream: %v, reconnecting in %s", Name, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *UserSource) runSession(ctx context.Context, out chan<- []byte, authFailures *int) error {
	listenKey, err := s.api.GetListenKey(ctx)
	if err != nil {
		*authFailures++
		return err
	}
	*authFailures = 0

	conn := websocket.NewConnection(Name, s.wsBase+"/ws/"+listenKey)
	if err := conn.Dial(ctx, nil); err != nil {
		return err
	}
	defer conn.Shutdown()
	conn.SetupPingHandler(websocket.PingHandler{
		UseGorillaHandler: true,
		MessageType:       websocket.PongMessage,
		Delay:             websocket.PingTimeout,
	})
	conn.StartTrafficMonitor()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Shutdown()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.api.KeepAliveListenKey(ctx, listenKey); err != nil {
					log.Warnf(log.UserStream, "%s listen key keepalive failed: %v", Name, err)
				}
			}
		}
	}()

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}
