// Package transport implements the Transport Connection component.
//
// The transport:
//   - owns the single physical WebSocket connection to the push channel
//   - decodes raw messages into data envelopes and control frames
//   - reconnects with jittered exponential backoff on unexpected closure
//   - replays subscribe frames via the OnConnect hook after reconnecting
//   - stops retrying on a server-sent fatal control message or once the
//     backoff controller's attempt counter saturates
package transport
