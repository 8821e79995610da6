package transcribe

import (
	"strings"

	"github.com/snarg/scribe/internal/transcript"
)

// Speaker labels. These are heuristic role guesses, not diarization.
const (
	SpeakerLecturer   = "lecturer"
	SpeakerQuestioner = "questioner"
	SpeakerResponder  = "responder"
)

// speakerMinStart is how far into the recording a segment must start before
// it is considered for labelling.
const speakerMinStart = 2.0

var (
	questionCues = []string{"質問", "お聞きしたい", "question", "?", "？"}
	answerCues   = []string{"はい", "そうですね", "yes", "right"}
)

// TagSpeakers labels segments by phrase cues. Segments that already carry a
// speaker, start within the first two seconds, or match no cue are left as
// they are. The input slice is not modified.
func TagSpeakers(segs []transcript.Segment) []transcript.Segment {
	out := make([]transcript.Segment, len(segs))
	copy(out, segs)
	for i := range out {
		if out[i].Speaker != "" || out[i].Start <= speakerMinStart {
			continue
		}
		out[i].Speaker = guessSpeaker(out[i].Text)
	}
	return out
}

func guessSpeaker(text string) string {
	lower := strings.ToLower(text)
	for _, cue := range questionCues {
		if strings.Contains(lower, cue) {
			return SpeakerQuestioner
		}
	}
	for _, cue := range answerCues {
		if containsWord(lower, cue) {
			return SpeakerResponder
		}
	}
	return ""
}

// containsWord matches Latin cues on word boundaries so "right" does not
// fire inside "bright". Non-ASCII cues match as substrings.
func containsWord(text, cue string) bool {
	if cue[0] >= 0x80 {
		return strings.Contains(text, cue)
	}
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if f == cue {
			return true
		}
	}
	return false
}
