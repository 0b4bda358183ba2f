// Package relay is the hub realtime clients connect to.
//
// Clients open a WebSocket on /ws, optionally announcing their protocol
// version as ?v=v1.x.y. Every valid update envelope a client sends is
// rebroadcast to all other connected clients. Envelopes POSTed to
// /api/realtime/sync, which is where clients replay their offline ledger,
// are broadcast to every client. /health reports the client count.
package relay
