// Package common contains shared constants, sentinel errors and small
// helpers used by both the authsync client and the authd server.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// Metadata keys of the client-side key/value store.
const (
	MetadataKeySession = "session"
)
