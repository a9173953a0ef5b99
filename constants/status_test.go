package constants

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusOCRQueued, true},
		{StatusError, StatusOCRQueued, true},
		{StatusExtractRunning, StatusExtractQueued, true},
		{StatusOCRQueued, StatusOCRRunning, true},
		{StatusOCRRunning, StatusOCRRunning, false},
		{StatusExtractRunning, StatusExtractRunning, false},
		{StatusOCRRunning, StatusOCRDone, true},
		{StatusOCRDone, StatusOCRDone, true},
		{StatusOCRDone, StatusExtractRunning, false},
		{StatusExtractQueued, StatusExtractRunning, true},
		{StatusExtractRunning, StatusExtractDone, true},
		{StatusOCRRunning, StatusError, true},
		{StatusExtractRunning, StatusError, true},
		{StatusOCRQueued, StatusError, false},
		{StatusNew, StatusOCRDone, false},
		{StatusNew, StatusExtractDone, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStageStatuses(t *testing.T) {
	if StageOCR.Queued() != StatusOCRQueued || StageOCR.Running() != StatusOCRRunning || StageOCR.Done() != StatusOCRDone {
		t.Fatal("ocr stage statuses mismatch")
	}
	if StageExtract.Queued() != StatusExtractQueued || StageExtract.Running() != StatusExtractRunning || StageExtract.Done() != StatusExtractDone {
		t.Fatal("extract stage statuses mismatch")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		got, ok := ParseStatus(string(s))
		if !ok || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, ok)
		}
	}
	if _, ok := ParseStatus("OCR_OK"); ok {
		t.Error("unknown status accepted")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]ContentKind{
		"application/pdf":           KindPDF,
		"image/PNG":                 KindImage,
		"text/plain; charset=utf-8": KindText,
		"text/html":                 KindHTML,
	}
	for ct, want := range cases {
		got, ok := KindOf(ct)
		if !ok || got != want {
			t.Errorf("KindOf(%q) = %q, %v", ct, got, ok)
		}
	}
	if _, ok := KindOf("application/zip"); ok {
		t.Error("zip should be unsupported")
	}
}

func TestCanonicalizeLabel(t *testing.T) {
	if CanonicalizeLabel("Organization") != LabelOrg {
		t.Error("organization not mapped to ORG")
	}
	if CanonicalizeLabel(" per ") != LabelPerson {
		t.Error("per not mapped to PERSON")
	}
	if CanonicalizeLabel("product") != "PRODUCT" {
		t.Error("unknown label not upper-cased")
	}
}
