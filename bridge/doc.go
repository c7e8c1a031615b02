/*
Package bridge pairs each accepted WebSocket connection with one freshly spawned agent subprocess and relays raw bytes between them.

Processes are scoped to the WebSocket connection: if the connection closes or errors for any reason, the process is
killed, and if the process exits for any reason, the connection is closed. A process is never restarted or shared;
a peer that wants a fresh agent reconnects.

Relaying is byte-for-byte and the bridge never parses the agent's protocol:

 1. Each chunk read from the agent's stdout is sent as one binary WebSocket message, as long as the connection is open.
    Output produced after the connection is gone is dropped, never buffered.
 2. Each WebSocket message received (text or binary) is written to the agent's stdin, as long as the agent has not exited.
 3. The agent's stderr is logged and never sent to the peer.

Close statuses tell the peer why the connection ended:

  - spawn failure: StatusInternalError with the spawn error as the reason
  - agent exited with status 0: StatusNormalClosure
  - agent exited with a non-zero status or a signal: StatusInternalError with the exit description as the reason
*/
package bridge
