package signal

import (
	"math"
	"testing"
)

func TestClassify_ClosedSets(t *testing.T) {
	cases := []string{
		"", "hi", "build me a login page", "why is this broken?",
		"please run the deploy script now!", "remind me tomorrow",
		"i will fix this", "approve the request", "thanks a lot",
	}
	validModes := map[Mode]bool{ModeExecute: true, ModeAssist: true, ModeAnalyze: true, ModeBuild: true, ModeMaintain: true}
	validGenres := map[Genre]bool{GenreDirect: true, GenreInform: true, GenreCommit: true, GenreDecide: true, GenreExpress: true}
	validTypes := map[Type]bool{TypeQuestion: true, TypeIssue: true, TypeScheduling: true, TypeSummary: true, TypeGeneral: true}

	for _, text := range cases {
		sig := Classify(text, "cli")
		if !validModes[sig.Mode] {
			t.Errorf("Classify(%q) invalid mode %q", text, sig.Mode)
		}
		if !validGenres[sig.Genre] {
			t.Errorf("Classify(%q) invalid genre %q", text, sig.Genre)
		}
		if !validTypes[sig.Type] {
			t.Errorf("Classify(%q) invalid type %q", text, sig.Type)
		}
		if sig.Weight < 0 || sig.Weight > 1 {
			t.Errorf("Classify(%q) weight out of range: %v", text, sig.Weight)
		}
	}
}

func TestClassify_WordBoundary(t *testing.T) {
	// "reset" must not be classified as a verdictive "set" match (decide).
	sig := Classify("please reset the counter", "cli")
	if sig.Genre == GenreDecide {
		t.Errorf("word-boundary leak: %q classified as decide via substring 'set'", "reset")
	}
}

func TestClassify_QuestionPriority(t *testing.T) {
	sig := Classify("why did the build fail?", "cli")
	if sig.Type != TypeQuestion {
		t.Errorf("expected question type when '?' present, got %v", sig.Type)
	}
}

func TestClassify_Format(t *testing.T) {
	cases := map[string]Format{
		"cli":        FormatCommand,
		"webhook":    FormatNotification,
		"filesystem": FormatDocument,
		"telegram":   FormatMessage,
		"":           FormatMessage,
	}
	for channel, want := range cases {
		sig := Classify("hello there friend", channel)
		if sig.Format != want {
			t.Errorf("channel %q: got format %v, want %v", channel, sig.Format, want)
		}
	}
}

func TestClassify_WeightGreeting(t *testing.T) {
	sig := Classify("hi", "cli")
	want := 0.204
	if math.Abs(sig.Weight-want) > 1e-9 {
		t.Errorf("Classify(\"hi\") weight = %v, want ~%v", sig.Weight, want)
	}
}

func TestClassify_WeightUrgency(t *testing.T) {
	sig := Classify("urgent: server is down", "cli")
	if sig.Weight < 0.6 {
		t.Errorf("urgent message should score higher weight, got %v", sig.Weight)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	a := Classify("build me a dashboard please", "cli")
	b := Classify("build me a dashboard please", "cli")
	a.Timestamp, b.Timestamp = a.Timestamp, a.Timestamp // timestamp is the only impure field
	if a != b {
		t.Errorf("classification is not deterministic: %+v vs %+v", a, b)
	}
}
