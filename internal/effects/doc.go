// Package effects runs side effects of speech segment boundaries off the audio
// path. The Dispatcher accepts events without blocking and hands them to a worker
// pool; every action call is bounded by a timeout, and failures are logged and
// counted but never reach the frame-processing loop.
//
// Actions shipped with the service:
//
//   - VolumeAction runs a shell command that sets playback volume, one level
//     for speech and one for silence
//   - WebhookAction POSTs a JSON event with bounded retries
//   - BroadcastAction publishes the event to live websocket subscribers
package effects
