package oidc

// Scope URNs requested for an admin console session.
const (
	scopeClientAPI    = "urn:matrix:org.matrix.msc2967.client:api:*"
	scopeSynapseAdmin = "urn:synapse:admin:*"
	scopeMASAdmin     = "urn:mas:admin"
	scopeDevicePrefix = "urn:matrix:org.matrix.msc2967.client:device:"
)

// AdminScopes returns the scopes for a session that can drive both the
// homeserver admin API and the auth service admin API, bound to the
// given device ID.
func AdminScopes(deviceID string) []string {
	return []string{
		scopeClientAPI,
		scopeSynapseAdmin,
		scopeMASAdmin,
		scopeDevicePrefix + deviceID,
	}
}
