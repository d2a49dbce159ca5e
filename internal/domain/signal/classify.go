package signal

import (
	"regexp"
	"strings"
	"time"
)

// wordSet builds a case-insensitive, word-boundary-aware matcher for a
// family of keywords. Word-boundary matching prevents substring false
// positives across word boundaries, e.g. "reset" must not match "set".
type wordSet struct {
	re *regexp.Regexp
}

func newWordSet(words ...string) wordSet {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	pattern := `(?i)\b(` + strings.Join(escaped, "|") + `)\b`
	return wordSet{re: regexp.MustCompile(pattern)}
}

func (s wordSet) match(text string) bool {
	return s.re.MatchString(text)
}

var (
	modeBuild    = newWordSet("build", "create", "implement", "add", "write", "generate", "develop", "scaffold")
	modeExecute  = newWordSet("run", "execute", "deploy", "start", "launch", "trigger")
	modeAnalyze  = newWordSet("analyze", "analyse", "explain", "review", "investigate", "debug", "inspect", "why")
	modeMaintain = newWordSet("fix", "update", "refactor", "clean", "maintain", "upgrade", "patch", "repair")

	genreImperative = newWordSet("please", "run", "make", "do", "go")
	genreCommissive = []string{"i will", "i'll", "let me", "i promise", "i'm going to"}
	genreVerdictive = newWordSet("approve", "reject", "confirm", "cancel", "set", "deny", "accept")
	genreExpressive = newWordSet("thanks", "thank you", "love", "great", "terrible", "awesome", "awful")

	typeInterrogative = newWordSet("what", "how", "why", "when", "where", "who", "which")
	typeIssue         = newWordSet("error", "bug", "broken", "fail", "failed", "crash", "crashed", "exception")
	typeScheduling    = newWordSet("remind", "schedule", "later", "tomorrow", "tonight", "next week")
	typeSummary       = newWordSet("summarize", "summarise", "summary", "recap", "tldr", "tl;dr")

	urgencyWords = newWordSet("urgent", "asap", "critical", "emergency", "immediately")

	// ackSet holds short acknowledgements/greetings/reactions. An EXACT
	// (whole-message, after trim and stripping trailing punctuation) match
	// is the only thing that triggers the weight penalty or the noise
	// filter's pattern tier — no substring matches here.
	ackSet = map[string]bool{
		"hi": true, "hello": true, "hey": true, "yo": true, "sup": true,
		"thanks": true, "thank you": true, "thx": true, "ty": true,
		"ok": true, "okay": true, "yes": true, "no": true, "yep": true, "yup": true, "nope": true,
		"cool": true, "nice": true, "lol": true, "haha": true, "lmao": true,
		"bye": true, "goodbye": true, "great": true, "awesome": true,
		"got it": true, "sounds good": true, "np": true, "k": true, "kk": true,
		"good morning": true, "good night": true, "good evening": true,
	}

	trailingPunct = regexp.MustCompile(`[!?.]+$`)
)

// isExactAck reports whether text, once trimmed and stripped of trailing
// punctuation, exactly matches a short acknowledgement/greeting/reaction.
func isExactAck(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	trimmed = trailingPunct.ReplaceAllString(trimmed, "")
	trimmed = strings.TrimSpace(trimmed)
	return ackSet[trimmed]
}

// Classify classifies text into the five categorical/weight dimensions.
// The categorical fields and weight are pure functions of (text, channel);
// Timestamp is the only impure field, stamped with the current UTC time.
func Classify(text string, channel string) Signal {
	return Signal{
		Mode:      classifyMode(text),
		Genre:     classifyGenre(text),
		Type:      classifyType(text),
		Format:    classifyFormat(channel),
		Weight:    classifyWeight(text),
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	}
}

func classifyMode(text string) Mode {
	switch {
	case modeBuild.match(text):
		return ModeBuild
	case modeExecute.match(text):
		return ModeExecute
	case modeAnalyze.match(text):
		return ModeAnalyze
	case modeMaintain.match(text):
		return ModeMaintain
	default:
		return ModeAssist
	}
}

func classifyGenre(text string) Genre {
	lower := strings.ToLower(text)
	switch {
	case genreImperative.match(text) || strings.HasSuffix(strings.TrimSpace(text), "!"):
		return GenreDirect
	case containsAny(lower, genreCommissive):
		return GenreCommit
	case genreVerdictive.match(text):
		return GenreDecide
	case genreExpressive.match(text):
		return GenreExpress
	default:
		return GenreInform
	}
}

func classifyType(text string) Type {
	switch {
	case strings.Contains(text, "?") || typeInterrogative.match(text):
		return TypeQuestion
	case typeIssue.match(text):
		return TypeIssue
	case typeScheduling.match(text):
		return TypeScheduling
	case typeSummary.match(text):
		return TypeSummary
	default:
		return TypeGeneral
	}
}

func classifyFormat(channel string) Format {
	switch strings.ToLower(channel) {
	case "cli":
		return FormatCommand
	case "webhook":
		return FormatNotification
	case "filesystem":
		return FormatDocument
	default:
		return FormatMessage
	}
}

func classifyWeight(text string) float64 {
	w := 0.5
	w += minFloat(float64(len(text))/500.0, 0.2)
	if strings.Contains(text, "?") {
		w += 0.15
	}
	if urgencyWords.match(text) {
		w += 0.2
	}
	if isExactAck(text) {
		w -= 0.3
	}
	return clamp01(w)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
