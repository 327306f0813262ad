// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package quicl implements the session-management layer of a QUIC stack.
The protocol itself, including packet processing, congestion control and the TLS handshake,
is delegated to an Engine. This package owns the lifecycle of the objects a user interacts with.


Objects
An Endpoint is a local UDP binding. It may act as a server by listening for incoming sessions,
as a client by connecting to remote peers, or both at the same time.

A Session is one QUIC connection. Depending on who initiated it, it is either a ServerSession
or a ClientSession. Both share the same lifecycle: created, handshake, secure, closing and destroyed.

A Stream is a bidirectional or unidirectional byte channel within a Session.
Whether it is readable or writable follows from its identifier and from which side opened it.


Event delivery
Every notification, whether raised by the Engine or by an API call, is queued on a Loop
and delivered later, one at a time. Handlers are never called from within the API call
that caused them. This makes it safe to call back into the API from a handler.

A Loop either runs in its own goroutine (Start) or is driven manually (Drain),
which is what the tests in this package do.


Teardown
Destroying an Endpoint destroys its Sessions, destroying a Session destroys its Streams.
A graceful close waits for the children to finish: a closing Session destroys itself once its last Stream is gone
and a closing Endpoint destroys itself once its last Session is gone.
Each object emits at most one error event followed by exactly one close event.
*/

package quicl
