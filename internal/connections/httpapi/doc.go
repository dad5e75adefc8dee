// Package httpapi provides a channel that serves device state and accepts
// commands over HTTP.
//
//	ConnectionHTTP:
//	  Class: http
//	  Name: api
//	  Listen: 0.0.0.0:8080
//	  Secret: ${SENSORREPORTER_HTTP_SECRET}
//	  TokenTTL: 86400
//	  Users:
//	    dashboard: $argon2id$v=19$m=65536,t=3,p=1$...   # sensorreporter hash-password
//	  AllowedOrigins: [http://dashboard.lan]
//
// Routes, all under /api/v1:
//
//	GET       /health           channel name and link state, never authenticated
//	POST      /token            basic credentials in, bearer token out
//	GET       /states           last value of every state destination
//	GET       /states/{dest}    last value of one destination
//	GET       /devices          slot descriptions of every device
//	PUT|POST  /commands/{dest}  request body is delivered as a command
//	POST      /refresh          asks every device to republish
//	GET       /ws               websocket stream of publications
//
// Destinations may contain slashes; they are taken verbatim from the rest of
// the path. With Secret or Users set every other route needs credentials:
// basic auth for a Users entry, or an HS256 bearer token signed with Secret
// (also accepted as an access_token query parameter, for /ws). Tokens come
// from /token or IssueToken.
//
// Thread Safety: All methods are safe for concurrent use.
package httpapi
