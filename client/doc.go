/*
Package client speaks the session protocol to an agent through the gateway.

One Client owns one WebSocket connection and multiplexes any number of Sessions over it. Events the agent emits for a
session are delivered to that session's handlers in arrival order, and Query turns them into a sequence a caller can
range over. Tools registered on a session answer the agent's tool.call requests; whatever a tool does, the agent gets
a ToolResult back.

When the connection goes away, for example because the agent process exited, every session ends and pending queries
fail with an error wrapping ErrConnectionClosed that carries the gateway's close status.
*/
package client
