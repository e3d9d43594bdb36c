// Package cdpilot is a browser-automation engine that drives Chromium over
// the Chrome DevTools Protocol. It multiplexes one WebSocket into per-target
// sessions, tracks frame topology across in-process iframes and OOPIFs,
// resolves selectors through iframe and shadow-root boundaries (open and
// closed), synthesizes input, coordinates navigation with network quiescence,
// and produces a cross-frame hybrid DOM + accessibility snapshot.
package cdpilot
