// Package webchat serves the browser chat page.
//
// Each page holds a websocket to /ws?session=<id>. Messages from the page
// (submit, stop, save, load, ...) are applied to a turn.Session. Everything
// the page shows is published as eventbus.Event values on the session topic
// and written to every websocket attached to the session, so a reload or a
// second tab sees the same conversation.
//
// Model output is rendered server side: each turn.render event carries the
// sanitized HTML of the whole assistant message, which the page swaps in.
//
// JSON endpoints:
//   - GET /api/models?location=<page url>
//   - GET /api/frameworks
//   - GET /api/conversations, GET|DELETE /api/conversations/{name}
//   - GET|PUT /api/settings
//   - GET /healthz
package webchat
