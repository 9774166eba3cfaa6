package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const clientBuffer = 16

// NewSockJSHandler serves panels under prefix. Panels may send a subscribe
// frame to filter by department or category.
func NewSockJSHandler(h *Hub, prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
		h.Register(client)
		defer h.Unregister(client)
		h.logger.Debug("panel connected", zap.String("client_id", client.ID))

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				h.logger.Debug("panel disconnected", zap.String("client_id", client.ID))
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, Subscription{})
				continue
			}
			h.UpdateSubscription(client, Subscription{
				Department: parsed.Department,
				Category:   parsed.Category,
			})
		}
	})
}
