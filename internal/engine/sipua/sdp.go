package sipua

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

var ErrNoCommonCodec = errors.New("no common audio codec")

// Offered audio formats in preference order. Media itself is not streamed by this engine.
var audioFormats = []string{"0", "8"}

const telephoneEvent = "101"

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// mediaDirection of an SDP session, as advertised by its first audio stream.
type mediaDirection string

const (
	sendRecv mediaDirection = "sendrecv"
	sendOnly mediaDirection = "sendonly"
	recvOnly mediaDirection = "recvonly"
	inactive mediaDirection = "inactive"
)

func newSession(host string, port int, formats []string) *sdp.SessionDescription {
	id := uint64(time.Now().UnixNano())
	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "softphone",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(formats),
			},
		},
	}
}

func codecAttributes(formats []string) []sdp.Attribute {
	attrs := []sdp.Attribute{}
	for _, f := range formats {
		if rtpmap, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
		if f == telephoneEvent {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: telephoneEvent + " 0-15"})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: string(sendRecv)},
	)
	return attrs
}

// buildOffer returns the SDP offer sent with an outgoing INVITE.
func buildOffer(host string, port int) ([]byte, error) {
	formats := append(append([]string{}, audioFormats...), telephoneEvent)
	b, err := newSession(host, port, formats).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling offer: %w", err)
	}
	return b, nil
}

// buildAnswer picks the first offered codec we support and answers with it,
// keeping telephone-event when the peer offered it.
func buildAnswer(offer []byte, host string, port int) ([]byte, error) {
	var remote sdp.SessionDescription
	if err := remote.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("parsing offer: %w", err)
	}
	audio := audioMedia(&remote)
	if audio == nil {
		return nil, fmt.Errorf("%w: offer has no audio stream", ErrNoCommonCodec)
	}

	var codec string
	dtmf := false
	for _, f := range audio.MediaName.Formats {
		if f == telephoneEvent {
			dtmf = true
			continue
		}
		if codec == "" && supported(f) {
			codec = f
		}
	}
	if codec == "" {
		return nil, fmt.Errorf("%w: offered %s", ErrNoCommonCodec, strings.Join(audio.MediaName.Formats, " "))
	}

	formats := []string{codec}
	if dtmf {
		formats = append(formats, telephoneEvent)
	}
	b, err := newSession(host, port, formats).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling answer: %w", err)
	}
	return b, nil
}

// directionOf reports the media direction of body. Bodies that cannot be parsed are sendrecv.
func directionOf(body []byte) mediaDirection {
	var s sdp.SessionDescription
	if len(body) == 0 || s.Unmarshal(body) != nil {
		return sendRecv
	}
	if audio := audioMedia(&s); audio != nil {
		if d, ok := findDirection(audio.Attributes); ok {
			return d
		}
	}
	if d, ok := findDirection(s.Attributes); ok {
		return d
	}
	return sendRecv
}

func findDirection(attrs []sdp.Attribute) (mediaDirection, bool) {
	for _, a := range attrs {
		switch d := mediaDirection(a.Key); d {
		case sendRecv, sendOnly, recvOnly, inactive:
			return d, true
		}
	}
	return "", false
}

func audioMedia(s *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range s.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md
		}
	}
	return nil
}

func supported(format string) bool {
	for _, f := range audioFormats {
		if f == format {
			return true
		}
	}
	return false
}
