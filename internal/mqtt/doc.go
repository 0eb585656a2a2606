// Package mqtt publishes the load status of every MCP server to an MQTT
// broker so dashboards and automations can follow which servers are
// ready, which failed and why.
//
// Topics live under the configured prefix:
//
//	<prefix>/availability           "online" / "offline" (retained, will)
//	<prefix>/info                   host identity JSON (retained)
//	<prefix>/servers/<name>/state   latest server state JSON (retained)
//	<prefix>/servers/<name>/records load log entries (not retained)
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message, the host info and the last known state of
// every server. Removing a server clears its retained state topic.
package mqtt
