// Package mqtt mirrors run lifecycle events onto an MQTT broker so
// that clients which cannot hold a WebSocket open can still learn when
// a submitted prompt has been answered.
//
// Events are published under the configured topic prefix:
//
//	<prefix>/runs/<token>/<kind>          every run event
//	<prefix>/threads/<thread_id>/deleted  thread deletion
//	<prefix>/availability                 "online" / "offline" (retained)
//
// Terminal run events (completed, failed, unpersisted, abandoned) are
// retained so a late subscriber still sees the outcome. The connection
// is managed by Eclipse Paho v2's [autopaho] package, which reconnects
// automatically; a will message flips availability to "offline" on
// unexpected disconnects.
package mqtt
