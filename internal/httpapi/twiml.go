package httpapi

import (
	"github.com/twilio/twilio-go/twiml"
)

// voiceReply is what a telephony callback speaks back: either a clip URL to
// play or text for the platform's built-in voice.
type voiceReply struct {
	Say     string
	PlayURL string
}

func (v voiceReply) element() twiml.Element {
	if v.PlayURL != "" {
		return &twiml.VoicePlay{Url: v.PlayURL}
	}
	return &twiml.VoiceSay{Message: v.Say}
}

// gatherResponse speaks the reply and re-arms speech collection, posting the
// recognized utterance to actionURL.
func gatherResponse(reply voiceReply, actionURL string) (string, error) {
	gather := &twiml.VoiceGather{
		Input:         "speech",
		Action:        actionURL,
		Method:        "POST",
		SpeechTimeout: "auto",
		InnerElements: []twiml.Element{reply.element()},
	}
	// If the caller stays silent past the gather window, loop back so the
	// no-input policy can decide.
	redirect := &twiml.VoiceRedirect{Url: actionURL, Method: "POST"}
	return twiml.Voice([]twiml.Element{gather, redirect})
}

// hangupResponse speaks the reply and ends the call.
func hangupResponse(reply voiceReply) (string, error) {
	return twiml.Voice([]twiml.Element{reply.element(), &twiml.VoiceHangup{}})
}

// rejectResponse is the bare closing used when no conversation exists.
func rejectResponse(message string) (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: message}, &twiml.VoiceHangup{}})
}
