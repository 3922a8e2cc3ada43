// Package server exposes the session façade over HTTP.
//
// # Endpoints
//
//   - GET /session: every mirrored session, ordered by id
//   - GET /session/{id}: one session, 404 when unknown
//   - PUT /session/{id}: overwrite metadata and history from a snapshot
//   - DELETE /session/{id}: destroy the session
//   - POST /session/{id}/init, POST /session/{id}/load
//   - POST /session/{id}/message: start a reply stream; answers 202 at once
//   - POST /session/{id}/abort: stop the active stream
//   - POST /session/evict?max=N: evict idle sessions down to N
//   - GET /event: Server-Sent Events of session deltas
//   - GET /metrics: Prometheus exposition
//
// Session errors map to statuses by code: session_not_found is 404,
// state_error is 409, transport_error and stream_error are 502.
//
// # Events
//
// Each SSE frame is an "event: message" whose data is
// {"type": ..., "properties": ...}. The first frame is server.connected;
// after that every delta arrives as session.delta, or session.removed when
// the session was destroyed, together with the state it produced. A
// comment heartbeat is written every 30 seconds. Clients that cannot keep
// up lose frames and should re-read GET /session/{id}.
//
// # Usage
//
//	srv := server.New(server.ConfigFrom(cfg.Server), app.Facade, app.Metrics)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
