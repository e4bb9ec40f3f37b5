// Package realtime fans attendance events out to live operator dashboards over WebSocket.
//
// The Hub keeps one Room per watched session; rooms exist only while someone is subscribed.
// WSGateway speaks contracts/realtime/v1 and turns transport signals (close frames, read
// errors, failed heartbeats) into Hub.Leave calls.
package realtime
