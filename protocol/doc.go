/*
Package protocol defines the messages exchanged between a session client and an agent process.

The agent speaks JSON-RPC 2.0 with Content-Length framing. The client issues requests (session.create, session.send,
session.getMessages, session.destroy, ping), the agent streams session.event notifications back, and the agent may
call back into the client with tool.call requests which always get a ToolResult, never a transport-level error.

Event payloads and tool results are closed tagged variants: Event.Type selects the shape of Event.Data (see
Event.Decode), with UnknownData as the fallback for event types this package does not know about.
*/
package protocol
