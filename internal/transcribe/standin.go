package transcribe

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/snarg/scribe/internal/transcript"
)

// standInTexts are rehabilitation lecture excerpts returned by StandIn.
var standInTexts = []string{
	"本日は理学療法における運動療法の基礎についてお話しします。まず肩甲骨の動きから確認していきましょう。",
	"変形性膝関節症の患者様に対するアプローチとして、まずROM測定を行い、その後適切なエクササイズを選択します。",
	"仙腸関節の機能障害は腰痛の原因となることが多く、評価と治療が重要です。今回はその詳細について説明します。",
	"肩関節周囲炎、いわゆる五十肩の病態理解と段階的な運動療法プログラムについて解説していきます。",
	"ACL損傷後のリハビリテーションでは、段階的な荷重と運動強度の調整が重要になります。",
}

const (
	sentenceMark = "。"
	standInPause = 0.5
)

// StandIn is a deterministic engine used when no real engine is configured.
// The same audio bytes always produce the same result.
type StandIn struct {
	Delay time.Duration // simulated processing time
}

func (s *StandIn) Name() string  { return "standin" }
func (s *StandIn) Model() string { return "canned" }

func (s *StandIn) Transcribe(ctx context.Context, audio []byte, _ string, opts EngineOptions) (*EngineResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	h := fnv.New64a()
	h.Write(audio)
	sum := h.Sum64()

	text := standInTexts[sum%uint64(len(standInTexts))]
	confidence := 0.85 + float64((sum>>8)%1001)/10000

	lang := "ja"
	if opts.Language == "en" {
		lang = "en"
	}

	res := &EngineResult{Text: text, Confidence: &confidence, Language: lang}
	if !opts.IncludeTimestamps {
		return res, nil
	}

	var at float64
	i, labelled := 0, 0
	for _, sentence := range strings.Split(text, sentenceMark) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		// 3 to 7 seconds, derived from a different slice of the hash per sentence.
		dur := 3 + float64((sum>>(uint(i*5)%48))%4001)/1000
		seg := transcript.Segment{
			Start: roundMillis(at),
			End:   roundMillis(at + dur),
			Text:  sentence + sentenceMark,
		}
		// Labels follow the same eligibility as TagSpeakers: nothing in
		// the opening two seconds.
		if opts.SpeakerDetection && seg.Start > speakerMinStart {
			if labelled%3 == 0 {
				seg.Speaker = SpeakerQuestioner
				if labelled%6 == 0 {
					seg.Speaker = SpeakerLecturer
				}
			}
			labelled++
		}
		res.Segments = append(res.Segments, seg)
		at += dur + standInPause
		i++
	}
	return res, nil
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
