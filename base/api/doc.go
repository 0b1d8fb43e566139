/*
Package api provides the HTTP API of the service.

Modules register structured endpoints below /api/v1/ with RegisterEndpoint,
or raw `http.Handler`s with RegisterHandler. Endpoints return plain text,
raw data, or structs that are encoded according to the Accept header.

Websocket streams push events of an event manager to connected clients, one
JSON message per event.
*/
package api
