package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// FCMDispatcher posts JSON to an FCM HTTPv1 endpoint using a server key or
// oauth token. Drivers are addressed through the topic driver_<id>.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Push(ctx context.Context, driverID string, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	body := map[string]any{"message": map[string]any{
		"topic": "driver_" + driverID,
		// FCM data values must be strings
		"data": map[string]string{"event": ev.Name, "payload": string(data)},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("fcm", "error").Inc()
		return fmt.Errorf("%w: fcm: %v", models.ErrExternal, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		observability.NotificationsTotal.WithLabelValues("fcm", "error").Inc()
		return fmt.Errorf("%w: fcm status %d", models.ErrExternal, resp.StatusCode)
	}
	observability.NotificationsTotal.WithLabelValues("fcm", "ok").Inc()
	return nil
}
