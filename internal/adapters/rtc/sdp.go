package rtc

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// SummarizeSDP renders the media sections of raw as "kind:direction" pairs for logging,
// e.g. "audio:sendrecv video:sendonly". Unparsable input yields "invalid".
func SummarizeSDP(raw string) string {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(raw); err != nil {
		return "invalid"
	}
	parts := make([]string, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		parts = append(parts, md.MediaName.Media+":"+direction(md))
	}
	return strings.Join(parts, " ")
}

func direction(md *sdp.MediaDescription) string {
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(d); ok {
			return d
		}
	}
	return "sendrecv"
}
