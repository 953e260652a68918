package utils

import "github.com/pion/webrtc/v3"

// ICEConfiguration builds the peer-connection settings handed to call
// participants. TURN is added only when turnURL is set.
func ICEConfiguration(stunServers []string, turnURL, turnUsername, turnPassword string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	for _, stun := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stun}})
	}
	if turnURL != "" {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           []string{turnURL},
			Username:       turnUsername,
			Credential:     turnPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}
