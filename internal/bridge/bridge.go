// File: internal/bridge/bridge.go

// Package bridge is the host-side entry point: it discovers worker request
// files, routes them to action handlers or the takeover registry, and writes
// every outcome back as an atomic response file.
package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/channel"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/takeover"
)

// Dispatcher handles every synchronous action. The concrete router satisfies
// it; tests substitute stubs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req schemas.ActionRequest) schemas.ActionResponse
}

// Bridge ties the mailbox, the router and the takeover registry together.
type Bridge struct {
	mailbox  *channel.Mailbox
	router   Dispatcher
	registry *takeover.Registry
	cfg      config.BridgeConfig
	log      *zap.Logger
}

// New wires a bridge. The registry may be shared with the web surface.
func New(mb *channel.Mailbox, router Dispatcher, registry *takeover.Registry, cfg config.BridgeConfig, logger *zap.Logger) *Bridge {
	return &Bridge{
		mailbox:  mb,
		router:   router,
		registry: registry,
		cfg:      cfg,
		log:      logger.Named("bridge"),
	}
}

// Run polls until the context is canceled. Each tick processes every
// namespace concurrently and sweeps expired response files.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("Bridge polling started",
		zap.String("root", b.mailbox.Root()),
		zap.Duration("poll_interval", b.cfg.PollInterval))

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info("Bridge polling stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := b.Tick(ctx); err != nil {
				b.log.Error("Polling tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one full polling pass: every namespace's pending requests plus
// response-file garbage collection.
func (b *Bridge) Tick(ctx context.Context) error {
	namespaces, err := b.mailbox.Namespaces()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range namespaces {
		g.Go(func() error {
			b.processNamespace(gctx, ns)
			b.mailbox.CollectGarbage(ns, b.cfg.ResponseTTL)
			return nil
		})
	}
	return g.Wait()
}

// processNamespace drains one namespace's request files. Every request other
// than wait_for_user is answered within this tick; wait_for_user is
// acknowledged into the registry and answered when a human resolves it.
func (b *Bridge) processNamespace(ctx context.Context, namespace string) {
	requests, err := b.mailbox.Poll(namespace)
	if err != nil {
		b.log.Error("Namespace poll failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	for _, req := range requests {
		if req.Action == schemas.ActionWaitForUser {
			b.handleWaitForUser(req)
			continue
		}

		resp := b.dispatch(ctx, req)
		if err := b.mailbox.Respond(req.Namespace, req.ID, resp); err != nil {
			b.log.Error("Response write failed",
				zap.String("namespace", req.Namespace),
				zap.String("request_id", req.ID),
				zap.Error(err))
		}
	}
}

// dispatch shields the polling loop from handler panics. The request file
// was already consumed by Poll, so a panicking request is quarantined from
// its carried raw bytes before the error response goes out; an operator can
// then inspect exactly what the handler choked on.
func (b *Bridge) dispatch(ctx context.Context, req schemas.ActionRequest) (resp schemas.ActionResponse) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("Action handler panicked",
				zap.String("namespace", req.Namespace),
				zap.String("action", string(req.Action)),
				zap.String("request_id", req.ID),
				zap.Any("panic", rec))
			b.mailbox.Quarantine(req.Namespace, channel.RequestFileName(req.ID), req.Raw,
				fmt.Sprintf("handler panic: %v", rec))
			resp = schemas.ErrorResponse(fmt.Sprintf("internal error handling %s", req.Action))
		}
	}()
	return b.router.Dispatch(ctx, req)
}

// handleWaitForUser registers (or refreshes) the pending takeover and parks
// a goroutine on it. The response file appears only once a human hands
// control back, which may be minutes later; the worker's own deadline
// governs how long it is willing to wait. The goroutine outlives the tick
// that spawned it, so it waits on the resolution channel alone.
func (b *Bridge) handleWaitForUser(req schemas.ActionRequest) {
	message := ""
	if req.Params != nil {
		message, _ = req.Params["message"].(string)
	}

	token, done := b.registry.Ensure(req.ID, req.Namespace, message)
	b.log.Info("Worker is waiting for a human",
		zap.String("namespace", req.Namespace),
		zap.String("request_id", req.ID),
		zap.String("message", message))

	if url, err := b.registry.LiveViewURL(token); err == nil {
		b.log.Info("Takeover live view ready", zap.String("url", url))
	}

	go func() {
		res, ok := <-done
		if !ok {
			return
		}
		resp := schemas.OKResponse(map[string]interface{}{
			"action":     schemas.ActionWaitForUser,
			"resolved":   true,
			"resolvedAt": res.ResolvedAt,
		})
		if err := b.mailbox.Respond(req.Namespace, req.ID, resp); err != nil {
			b.log.Error("Takeover response write failed",
				zap.String("namespace", req.Namespace),
				zap.String("request_id", req.ID),
				zap.Error(err))
		}
	}()
}

// HandleChatMessage applies the chat-side takeover escape hatch to a
// message from a namespace's operator. It reports whether the message was a
// takeover command at all.
func (b *Bridge) HandleChatMessage(namespace, text string) (handled bool, err error) {
	requestID, ok := takeover.ParseContinue(text)
	if !ok {
		return false, nil
	}
	return true, b.registry.ResolveByRequestID(namespace, requestID)
}
