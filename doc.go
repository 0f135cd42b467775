// Package consult is the signaling and call-session core of a doctor-patient
// video consultation client.
//
// A [CallSession] negotiates one WebRTC call at a time with a remote party
// over a [Transport], the named-event channel to the relay. A
// [ChatChannel] carries text chat and typing presence over the same
// transport. [WSTransport] is the websocket implementation; the relay
// package provides a development relay speaking the same events.
package consult
