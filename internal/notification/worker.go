package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/model"
	"crestron-shades-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Payload is the JSON body delivered to the browser.
type Payload struct {
	Title string                `json:"title"`
	Body  string                `json:"body"`
	Hub   string                `json:"hub"`
	Kind  coordinator.EventKind `json:"kind"`
	At    string                `json:"at"`
}

// WorkerPool fans hub events out to push subscribers.
type WorkerPool struct {
	size    int
	jobs    chan coordinator.Event
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
	logger  *slog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s store.Store, webpushOptions *webpush.Options, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan coordinator.Event, size*8),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("Notification worker started", "worker", id)
	for {
		select {
		case event := <-wp.jobs:
			wp.sendNotificationsForEvent(ctx, event)
		case <-ctx.Done():
			wp.logger.Debug("Notification worker shutting down", "worker", id)
			return
		}
	}
}

// Notify queues an event without blocking. Events are dropped when the queue
// is full.
func (wp *WorkerPool) Notify(event coordinator.Event) {
	select {
	case wp.jobs <- event:
	default:
		wp.logger.Warn("Notification queue full, dropping event", "hub", event.Hub, "kind", event.Kind)
	}
}

var _ coordinator.Notifier = (*WorkerPool)(nil)

func (wp *WorkerPool) sendNotificationsForEvent(ctx context.Context, event coordinator.Event) {
	subscriptions, err := wp.store.ListSubscriptionsForHub(ctx, event.Hub)
	if err != nil {
		wp.logger.Error("Failed to fetch subscriptions", "hub", event.Hub, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(buildPayload(event))
	if err != nil {
		wp.logger.Error("Failed to encode notification", "error", err)
		return
	}

	wp.logger.Info("Sending notifications", "hub", event.Hub, "kind", event.Kind, "count", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func buildPayload(event coordinator.Event) Payload {
	p := Payload{
		Hub:  event.Hub,
		Kind: event.Kind,
		Body: event.Message,
		At:   event.At.UTC().Format("2006-01-02T15:04:05Z"),
	}
	switch event.Kind {
	case coordinator.EventAuthFailed:
		p.Title = fmt.Sprintf("%s needs new credentials", event.Hub)
	case coordinator.EventDisconnected:
		p.Title = fmt.Sprintf("%s is offline", event.Hub)
	case coordinator.EventReconnected:
		p.Title = fmt.Sprintf("%s is back online", event.Hub)
	default:
		p.Title = event.Hub
	}
	return p
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("Failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// Gone and Not Found both mean the browser dropped the subscription.
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.logger.Info("Subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Warn("Failed to delete expired subscription", "endpoint", sub.Endpoint, "error", err)
		}
	}
}
