// Package mqtt mirrors registry broadcasts to an MQTT broker so home
// automation and dashboards can follow the assistant. Each broadcast
// category is published as JSON to <prefix>/<category>, a retained
// status document is refreshed every minute, and <prefix>/notify is
// accepted as an inbound path to the preferred channel.
//
// The connection uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect a retained birth
// message ("online") is published to <prefix>/availability and the
// notify topic is re-subscribed. A will message flips availability to
// "offline" on unexpected disconnects.
package mqtt
