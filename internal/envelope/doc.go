// Package envelope defines the UpdateEnvelope, the unit of change exchanged
// between a roadmon client, its local cache and the relay.
//
// # Wire Format
//
// Envelopes travel as JSON, one envelope per WebSocket text frame or per
// resync POST body:
//
//	{
//	  "id": "0192d1c4-7a4e-7c1e-9f0b-3b0e5d2a1f6c",
//	  "entityType": "gps",
//	  "action": "create",
//	  "payload": {"id": "g1", "lat": -6.3, "lng": 143.9},
//	  "timestamp": "2026-10-18T07:36:29Z",
//	  "userId": "officer-17",
//	  "source": "gps-form"
//	}
//
// # Entity Types
//
//   - project - road construction project records
//   - gps - GPS/location entries captured in the field
//   - financial - BOQ and financial entries
//   - user - user directory records
//
// Code that must behave differently per entity type should implement
// EntityVisitor rather than switch on the string value, so that adding an
// entity type breaks the build everywhere it is not yet handled.
//
// # Usage
//
//	env, err := envelope.New(envelope.EntityGPS, envelope.ActionCreate,
//	    envelope.Payload{"id": "g1", "lat": -6.3, "lng": 143.9},
//	    envelope.WithOrigin("officer-17"))
//	if err != nil {
//	    return err
//	}
//	data, err := envelope.Encode(env)
package envelope
