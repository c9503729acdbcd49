// Package interpreter follows the sensor bridge's WebSocket feed and hands
// every telemetry update to a callback.
package interpreter

import (
	"context"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/types"
)

const (
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	// The bridge publishes tank lines every few seconds and polls every 5s.
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// retryDelay is the exponential backoff before attempt retryCount+1.
func retryDelay(retryCount int) time.Duration {
	if retryCount > 10 {
		return maxRetryDelay
	}
	d := time.Duration(1<<retryCount) * baseRetryDelay
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// StartListener manages the WebSocket connection to host, calling
// funcToCall for each update until ctx is cancelled or too many
// consecutive connection attempts fail.
func StartListener(ctx context.Context, host string, funcToCall func(update *types.TelemetryUpdate)) {
	logger := log.WithPrefix("interpreter")
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	retryCount := 0

	for {
		if retryCount > 0 {
			delay := retryDelay(retryCount)
			logger.Infof("Retrying connection in %v... (attempt %d/%d)", delay, retryCount+1, maxRetries)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				logger.Info("Shutdown during retry wait")
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		logger.Info("Connecting", "url", u.String())
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			logger.Error("Connection failed", "err", err)
			retryCount++
			if retryCount >= maxRetries {
				logger.Errorf("Max retries (%d) reached. Giving up.", maxRetries)
				return
			}
			continue
		}

		logger.Info("Connected! Accepting telemetry updates.")
		retryCount = 0

		connectionBroken := handleConnection(ctx, c, funcToCall, logger)
		c.Close()
		if !connectionBroken {
			return
		}
		logger.Warn("Connection lost, will retry...")
		retryCount = 1
	}
}

// handleConnection returns true when the connection broke and false on a
// clean shutdown.
func handleConnection(
	ctx context.Context,
	c *websocket.Conn,
	funcToCall func(update *types.TelemetryUpdate),
	logger *log.Logger,
) bool {
	done := make(chan struct{})
	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Error("WebSocket error", "err", err)
				} else {
					logger.Info("Connection closed", "err", err)
				}
				return
			}
			c.SetReadDeadline(time.Now().Add(readTimeout))

			if messageType != websocket.TextMessage {
				logger.Debug("Received unexpected message type", "type", messageType)
				continue
			}
			if update := types.TelemetryUpdateFromJsonBytes(message); update != nil {
				funcToCall(update)
			} else {
				logger.Warn("Failed to parse telemetry update", "message", string(message))
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				logger.Error("Failed to send ping", "err", err)
			}
		case <-ctx.Done():
			logger.Info("Shutdown, closing connection...")
			err := c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			if err != nil {
				logger.Error("Error sending close message", "err", err)
			}

			// Wait for close confirmation or timeout
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}
