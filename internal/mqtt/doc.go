// Package mqtt exposes the relay to Home Assistant as an MQTT device.
//
// On every (re-)connect the publisher sends retained discovery configs
// for its sensors (session state, deliveries and failures today, last
// and next delivery, uptime, version) and one button per configured
// job, then a birth message on the availability topic. A will message
// flips availability to "offline" on unexpected disconnects. Button
// presses arrive on per-job command topics and trigger the job.
//
// Connection management is Eclipse Paho v2's [autopaho].
package mqtt
