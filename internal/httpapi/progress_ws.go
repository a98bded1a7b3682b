package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingEvery    = 25 * time.Second
)

// handleProgressWS streams {status, progress} snapshots until the job is
// terminal or the client goes away.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Subscribe before reading the current state so no transition is missed.
	updates, unsubscribe := s.svc.Subscribe(id)
	defer unsubscribe()

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only control frames are expected; any read error ends the stream.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg protocol.Progress) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg) == nil
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "conversion finished"),
			time.Now().Add(wsWriteTimeout))
	}

	last := protocol.Progress{Status: job.Status, Progress: conversion.DisplayProgress(job.Progress)}
	if !write(last) {
		return
	}
	if job.Terminal() {
		closeNormal()
		return
	}

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case snap, ok := <-updates:
			if !ok {
				return
			}
			msg := protocol.Progress{Status: snap.Status, Progress: snap.Progress}
			if msg != last {
				if !write(msg) {
					return
				}
				last = msg
			}
			if snap.Status.Terminal() {
				closeNormal()
				return
			}
		}
	}
}
