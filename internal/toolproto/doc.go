// Package toolproto talks to remote tool agents over the Model Context Protocol.
//
// Sessions are short-lived: every operation opens a session, uses it and closes
// it through WithSession. Callers that need several requests on one session
// pass their own callback to WithSession.
//
// Transport is chosen per endpoint. With the default "auto" mode an endpoint
// whose path ends in /sse uses the SSE transport and anything else uses
// streamable HTTP.
package toolproto
